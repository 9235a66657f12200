package results

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrNoHosts = errors.New("artifact contains no host sections")

// Item is one vulnerability finding: the report item's attributes and child
// elements flattened into a string-keyed map, plus "type" and "host".
type Item map[string]any

// ScanData is a parsed native artifact.
type ScanData struct {
	Metadata map[string]any
	Hosts    []string
	Items    []Item
}

type nessusFile struct {
	XMLName xml.Name     `xml:"NessusClientData_v2"`
	Report  nessusReport `xml:"Report"`
}

type nessusReport struct {
	Attrs []xml.Attr   `xml:",any,attr"`
	Hosts []reportHost `xml:"ReportHost"`
}

type reportHost struct {
	Name  string       `xml:"name,attr"`
	Items []reportItem `xml:"ReportItem"`
}

type reportItem struct {
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlChild `xml:",any"`
}

type xmlChild struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

// Attribute names the native format spells in camelCase.
var attrRenames = map[string]string{
	"pluginID":     "plugin_id",
	"pluginName":   "plugin_name",
	"pluginFamily": "plugin_family",
}

// Parse reads a native .nessus artifact into generic records. Unknown
// fields pass through untouched so the full projection loses nothing.
func Parse(r io.Reader) (*ScanData, error) {
	var file nessusFile
	if err := xml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}

	data := &ScanData{Metadata: make(map[string]any)}
	for _, attr := range file.Report.Attrs {
		data.Metadata[attr.Name.Local] = attr.Value
	}

	for _, host := range file.Report.Hosts {
		data.Hosts = append(data.Hosts, host.Name)
		for _, raw := range host.Items {
			data.Items = append(data.Items, parseItem(host.Name, raw))
		}
	}

	data.Metadata["total_hosts"] = len(data.Hosts)
	data.Metadata["total_items"] = len(data.Items)
	return data, nil
}

// ParseFile parses the artifact at path.
func ParseFile(path string) (*ScanData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseItem(host string, raw reportItem) Item {
	item := Item{
		"type": "vulnerability",
		"host": host,
		"cve":  []string{},
	}

	for _, attr := range raw.Attrs {
		name := attr.Name.Local
		if renamed, ok := attrRenames[name]; ok {
			name = renamed
		}
		item[name] = coerceField(name, attr.Value)
	}

	for _, child := range raw.Children {
		name := child.XMLName.Local
		text := strings.TrimSpace(child.Text)
		switch name {
		case "cve":
			item["cve"] = append(item["cve"].([]string), text)
		case "exploit_available":
			item[name] = strings.EqualFold(text, "true")
		default:
			item[name] = coerceField(name, text)
		}
	}

	return item
}

// coerceField turns score-bearing values into decimals, keeping the
// original string when the value does not parse.
func coerceField(name, value string) any {
	if name == "severity" || strings.Contains(name, "score") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}
