package joborchestrator

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/lbnl-ncem/still/internal/model"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var parsedTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// templateSettings is the subset of config.Settings exposed to script
// templates (spec.md §9: "rendered from text templates with a small value
// set (settings, scan, job, machine, dest_dir, plus job params)").
type templateSettings struct {
	JobCountScriptPath  string
	BbcpExecutablePath  string
	BbcpNumberOfStreams int
}

// scriptData is the value set passed into every rendered script template.
type scriptData struct {
	Settings  templateSettings
	Scan      model.Scan
	Job       model.Job
	Machine   model.Machine
	DestDir   string
	Locations []model.Location
	Params    map[string]any
}

// renderScript renders templateName (one of "count.sh.tmpl",
// "transfer.sh.tmpl", "bbcp.sh.tmpl") against data. Rendering the same
// inputs always produces byte-identical output (spec.md P8) since
// text/template is a pure function of its input data.
func renderScript(templateName string, data scriptData) ([]byte, error) {
	var buf bytes.Buffer
	if err := parsedTemplates.ExecuteTemplate(&buf, templateName, data); err != nil {
		return nil, fmt.Errorf("joborchestrator: rendering %s: %w", templateName, err)
	}
	return buf.Bytes(), nil
}
