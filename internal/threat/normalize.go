package threat

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/raysh454/uatu/internal/model"
)

const maxTitleLen = 200

type slitherReport struct {
	Results struct {
		Detectors []slitherDetector `json:"detectors"`
	} `json:"results"`
	Detectors []slitherDetector `json:"detectors"`
}

type slitherDetector struct {
	Check       string           `json:"check"`
	CheckID     string           `json:"check_id"`
	Impact      string           `json:"impact"`
	Severity    string           `json:"severity"`
	Description string           `json:"description"`
	Elements    []slitherElement `json:"elements"`
}

type slitherElement struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	SourceMapping struct {
		FilenameRelative string `json:"filename_relative"`
		FilenameAbsolute string `json:"filename_absolute"`
		Lines            []int  `json:"lines"`
	} `json:"source_mapping"`
}

// Normalize converts raw slither JSON into findings. Unreadable input yields
// no findings.
func Normalize(raw []byte) []model.Finding {
	var rep slitherReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return []model.Finding{}
	}
	detectors := rep.Results.Detectors
	if len(detectors) == 0 {
		detectors = rep.Detectors
	}
	out := make([]model.Finding, 0, len(detectors))
	for _, d := range detectors {
		out = append(out, normalizeDetector(d))
	}
	return out
}

// NormalizeFile is Normalize over the contents of path.
func NormalizeFile(path string) []model.Finding {
	raw, err := os.ReadFile(path)
	if err != nil {
		return []model.Finding{}
	}
	return Normalize(raw)
}

func normalizeDetector(d slitherDetector) model.Finding {
	check := d.Check
	if check == "" {
		check = d.CheckID
	}
	check = strings.ToLower(check)
	sev := d.Impact
	if sev == "" {
		sev = d.Severity
	}
	desc := d.Description
	if desc == "" {
		desc = d.Impact
	}
	if desc == "" {
		desc = check
	}
	title, _, _ := strings.Cut(desc, "\n")
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}

	f := model.Finding{
		Tool:     "slither",
		Check:    check,
		Severity: model.NormalizeSeverity(sev),
		Title:    title,
	}
	var file string
	line := 0
	for _, e := range d.Elements {
		name := strings.TrimSpace(e.Name)
		if file == "" {
			file = e.SourceMapping.FilenameRelative
			if file == "" {
				file = e.SourceMapping.FilenameAbsolute
			}
		}
		if line == 0 && len(e.SourceMapping.Lines) > 0 {
			line = e.SourceMapping.Lines[0]
		}
		switch strings.ToLower(e.Type) {
		case "function":
			if name != "" {
				f.Function = name
			}
		case "contract":
			if name != "" {
				f.Contract = name
			}
		}
	}
	if file != "" {
		if line > 0 {
			f.Location = fmt.Sprintf("%s:%d", file, line)
		} else {
			f.Location = file
		}
	}
	return f
}
