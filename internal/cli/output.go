package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// IsJSON reports whether the json format was selected.
func (f *OutputFormatter) IsJSON() bool {
	return f.Format == "json"
}

// JSON writes data as indented JSON.
func (f *OutputFormatter) JSON(data interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Table writes rows under headers.
func (f *OutputFormatter) Table(headers []string, rows [][]string) error {
	var table = tablewriter.NewWriter(f.Writer)
	table.Header(headers)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// Print emits data as JSON, or calls text for the text format.
func (f *OutputFormatter) Print(data interface{}, text func() error) error {
	if f.IsJSON() {
		return f.JSON(data)
	}
	return text()
}

// Linef writes one line of text output.
func (f *OutputFormatter) Linef(format string, args ...interface{}) {
	fmt.Fprintf(f.Writer, format+"\n", args...)
}
