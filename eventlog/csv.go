package eventlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/wwade/scale/presence"
)

var csvHeader = []string{"timestamp", "weight_g", "event"}

// CSV appends events to a flat file, one row per event, flushed
// immediately. The header is written once, when the file is new.
type CSV struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSV opens (or creates) the log file for appending.
func NewCSV(path string) (*CSV, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, &WriteError{Err: err}
	}

	c := &CSV{file: file, writer: csv.NewWriter(file)}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &WriteError{Err: err}
	}
	if info.Size() == 0 {
		if err := c.writeRow(csvHeader); err != nil {
			file.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CSV) Append(ev presence.Event) error {
	return c.writeRow([]string{
		ev.Time.Format(time.RFC3339),
		fmt.Sprintf("%.2f", ev.Grams),
		string(ev.Kind),
	})
}

func (c *CSV) writeRow(row []string) error {
	if err := c.writer.Write(row); err != nil {
		return &WriteError{Err: err}
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

func (c *CSV) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
