package log

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
)

const (
	AppenderConsole = "console"
	AppenderFile    = "file"
)

type MultiWriter struct {
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		_, e := w.Write(p)
		if e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func (m *MultiWriter) Len() int {
	return len(m.writers)
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

// AddAppender decodes the appender options and attaches the matching writer.
func (m *MultiWriter) AddAppender(cfg AppenderConfig) error {
	switch cfg.Type {
	case "", AppenderConsole:
		m.Add(os.Stdout)
		return nil
	case AppenderFile:
		var opt FileAppenderOpt
		if err := mapstructure.Decode(cfg.Options, &opt); err != nil {
			return fmt.Errorf("invalid file appender options: %w", err)
		}
		if opt.Filename == "" {
			return fmt.Errorf("file appender requires 'filename' option")
		}
		m.AddFileAppender(opt)
		return nil
	default:
		return fmt.Errorf("unsupported appender type: %s (must be console or file)", cfg.Type)
	}
}
