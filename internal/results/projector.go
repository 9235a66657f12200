package results

import (
	"bytes"
	"encoding/json"
	"io"
)

const (
	MinPageSize     = 10
	MaxPageSize     = 100
	DefaultPageSize = 50
)

// Options shape one projection request. Page 1 is the default; Page 0 is
// the "all data, no pagination record" mode.
type Options struct {
	Profile  string
	Fields   []string
	Filters  Filters
	Page     int
	PageSize int
}

// Render writes the filtered, projected view of data as JSON lines: a
// schema record, a scan_metadata record, the vulnerability records for the
// requested page, and (unless Page is 0) a trailing pagination record.
func Render(w io.Writer, data *ScanData, opts Options) error {
	fields, err := resolveFields(opts.Profile, opts.Fields)
	if err != nil {
		return err
	}
	if err := ValidateFilters(opts.Filters); err != nil {
		return err
	}

	filtered := make([]Item, 0, len(data.Items))
	for _, item := range data.Items {
		if opts.Filters.Matches(item) {
			filtered = append(filtered, item)
		}
	}

	page, pageSize := opts.Page, clampPageSize(opts.PageSize)
	if page < 0 {
		page = 1
	}

	totalPages := (len(filtered) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start, end := 0, len(filtered)
	if page > 0 {
		start = (page - 1) * pageSize
		if start > len(filtered) {
			start = len(filtered)
		}
		end = start + pageSize
		if end > len(filtered) {
			end = len(filtered)
		}
	}

	enc := json.NewEncoder(w)

	profile := opts.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	var schemaFields any = "all"
	if fields != nil {
		schemaFields = fields
	}
	filtersApplied := opts.Filters
	if filtersApplied == nil {
		filtersApplied = Filters{}
	}
	if err := enc.Encode(map[string]any{
		"type":                  "schema",
		"profile":               profile,
		"fields":                schemaFields,
		"filters_applied":       filtersApplied,
		"total_vulnerabilities": len(filtered),
		"total_pages":           totalPages,
	}); err != nil {
		return err
	}

	metadata := map[string]any{"type": "scan_metadata"}
	for k, v := range data.Metadata {
		metadata[k] = v
	}
	if err := enc.Encode(metadata); err != nil {
		return err
	}

	for _, item := range filtered[start:end] {
		if err := enc.Encode(project(item, fields)); err != nil {
			return err
		}
	}

	if page != 0 {
		hasNext := page < totalPages
		record := map[string]any{
			"type":        "pagination",
			"page":        page,
			"page_size":   pageSize,
			"total_pages": totalPages,
			"has_next":    hasNext,
		}
		if hasNext {
			record["next_page"] = page + 1
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}

	return nil
}

func clampPageSize(size int) int {
	switch {
	case size == 0:
		return DefaultPageSize
	case size < MinPageSize:
		return MinPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

// RenderString is Render into a string, for RPC-style surfaces.
func RenderString(data *ScanData, opts Options) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, data, opts); err != nil {
		return "", err
	}
	return buf.String(), nil
}
