package engine

import (
	"context"
	"regexp"
	"time"
)

var wordChunk = regexp.MustCompile(`^\s*\S+\s+`)

// smoother re-chunks streamed text into whole words, pausing delay between two writes. Text that
// doesn't end in whitespace stays buffered until more arrives or flush is called.
type smoother struct {
	delay time.Duration
	write func(string) error

	buf     string
	written bool
}

func (s *smoother) push(ctx context.Context, text string) error {
	if s.delay <= 0 {
		return s.write(text)
	}
	s.buf += text
	for {
		loc := wordChunk.FindStringIndex(s.buf)
		if loc == nil {
			return nil
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
		chunk := s.buf[:loc[1]]
		s.buf = s.buf[loc[1]:]
		if err := s.write(chunk); err != nil {
			return err
		}
	}
}

func (s *smoother) flush() error {
	s.written = false
	if s.buf == "" {
		return nil
	}
	chunk := s.buf
	s.buf = ""
	return s.write(chunk)
}

func (s *smoother) pause(ctx context.Context) error {
	if !s.written {
		s.written = true
		return nil
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
