package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// csvBatchRows is the number of data rows per generated section.
const csvBatchRows = 20

// CSVExtractor handles CSV files. Rows are grouped into sections of
// csvBatchRows, each holding a pipe table that repeats the header row.
type CSVExtractor struct{}

func (e *CSVExtractor) Extract(r io.Reader, filename string) (string, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	headers := records[0]
	dataRows := records[1:]
	if len(dataRows) == 0 {
		return pipeTable([][]string{headers}), nil
	}

	var sections []string
	for i := 0; i < len(dataRows); i += csvBatchRows {
		end := min(i+csvBatchRows, len(dataRows))
		rows := append([][]string{headers}, dataRows[i:end]...)
		// 1-indexed, header is row 1.
		title := heading(2, fmt.Sprintf("Rows %d-%d", i+2, end+1))
		sections = append(sections, title+"\n\n"+pipeTable(rows))
	}
	return strings.Join(sections, "\n\n"), nil
}
