package tools

// The types below mirror the FMP stable API responses the tools return. They are decoded without
// further validation; fields FMP may send as null are pointers.

// Quote is a real-time quote as returned by /quote.
type Quote struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Price            float64 `json:"price"`
	ChangePercentage float64 `json:"changePercentage"`
	Change           float64 `json:"change"`
	Volume           float64 `json:"volume"`
	DayLow           float64 `json:"dayLow"`
	DayHigh          float64 `json:"dayHigh"`
	YearHigh         float64 `json:"yearHigh"`
	YearLow          float64 `json:"yearLow"`
	MarketCap        float64 `json:"marketCap"`
	PriceAvg50       float64 `json:"priceAvg50"`
	PriceAvg200      float64 `json:"priceAvg200"`
	Exchange         string  `json:"exchange"`
	Open             float64 `json:"open"`
	PreviousClose    float64 `json:"previousClose"`
	Timestamp        int64   `json:"timestamp"`
}

// HistoricalPrice is one end-of-day price as returned by /historical-price-eod/light, newest first.
type HistoricalPrice struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// CompanyProfile is returned by /profile.
type CompanyProfile struct {
	Symbol            string   `json:"symbol"`
	Price             float64  `json:"price"`
	MarketCap         *float64 `json:"marketCap"`
	Beta              *float64 `json:"beta"`
	LastDividend      *float64 `json:"lastDividend"`
	Range             string   `json:"range"`
	Change            float64  `json:"change"`
	ChangePercentage  float64  `json:"changePercentage"`
	Volume            *float64 `json:"volume"`
	AverageVolume     *float64 `json:"averageVolume"`
	CompanyName       string   `json:"companyName"`
	Currency          string   `json:"currency"`
	CIK               string   `json:"cik"`
	ISIN              string   `json:"isin"`
	CUSIP             string   `json:"cusip"`
	ExchangeFullName  string   `json:"exchangeFullName"`
	Exchange          string   `json:"exchange"`
	Industry          string   `json:"industry"`
	Website           string   `json:"website"`
	Description       string   `json:"description"`
	CEO               string   `json:"ceo"`
	Sector            string   `json:"sector"`
	Country           string   `json:"country"`
	FullTimeEmployees string   `json:"fullTimeEmployees"`
	Phone             string   `json:"phone"`
	Address           string   `json:"address"`
	City              string   `json:"city"`
	State             string   `json:"state"`
	Zip               string   `json:"zip"`
	Image             string   `json:"image"`
	IPODate           string   `json:"ipoDate"`
	DefaultImage      bool     `json:"defaultImage"`
	IsETF             bool     `json:"isEtf"`
	IsActivelyTrading bool     `json:"isActivelyTrading"`
	IsADR             bool     `json:"isAdr"`
	IsFund            bool     `json:"isFund"`
}

// EarningsEvent is an entry of /earnings-calendar. Estimates and actuals are null until known.
type EarningsEvent struct {
	Symbol           string   `json:"symbol"`
	Date             string   `json:"date"`
	EPSActual        *float64 `json:"epsActual"`
	EPSEstimated     *float64 `json:"epsEstimated"`
	RevenueActual    *float64 `json:"revenueActual"`
	RevenueEstimated *float64 `json:"revenueEstimated"`
	LastUpdated      string   `json:"lastUpdated"`
}

// Earnings is a reported or scheduled quarter as returned by /earnings.
type Earnings = EarningsEvent

// Dividend is an entry of /dividends-calendar.
type Dividend struct {
	Symbol          string   `json:"symbol"`
	Date            string   `json:"date"`
	RecordDate      string   `json:"recordDate"`
	PaymentDate     string   `json:"paymentDate"`
	DeclarationDate string   `json:"declarationDate"`
	AdjDividend     *float64 `json:"adjDividend"`
	Dividend        *float64 `json:"dividend"`
	Yield           *float64 `json:"yield"`
	Frequency       string   `json:"frequency"`
}

// GradesConsensus is the analyst consensus of /grades-consensus.
type GradesConsensus struct {
	Symbol     string `json:"symbol"`
	StrongBuy  int    `json:"strongBuy"`
	Buy        int    `json:"buy"`
	Hold       int    `json:"hold"`
	Sell       int    `json:"sell"`
	StrongSell int    `json:"strongSell"`
	Consensus  string `json:"consensus"`
}

// HistoricalGrade is one monthly snapshot of /grades-historical.
type HistoricalGrade struct {
	Symbol                   string `json:"symbol"`
	Date                     string `json:"date"`
	AnalystRatingsStrongBuy  int    `json:"analystRatingsStrongBuy"`
	AnalystRatingsBuy        int    `json:"analystRatingsBuy"`
	AnalystRatingsHold       int    `json:"analystRatingsHold"`
	AnalystRatingsSell       int    `json:"analystRatingsSell"`
	AnalystRatingsStrongSell int    `json:"analystRatingsStrongSell"`
}

// HistoricalPricesOutput is the output of historicalPrices.
type HistoricalPricesOutput struct {
	Intraday   *Quote            `json:"intraday"`
	Historical []HistoricalPrice `json:"historical"`
}

// EarningsHistoricalOutput is the output of earningsHistorical.
type EarningsHistoricalOutput struct {
	Intraday *Quote     `json:"intraday"`
	Earnings []Earnings `json:"earnings"`
}

// GradesConsensusOutput is the output of gradesConsensus.
type GradesConsensusOutput struct {
	Intraday        *Quote           `json:"intraday"`
	GradesConsensus *GradesConsensus `json:"gradesConsensus"`
}
