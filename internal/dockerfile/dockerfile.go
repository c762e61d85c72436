// Package dockerfile renders the Dockerfile used by the docker backend.
//
// The rendered image follows the same bootstrap order the local backend
// uses: interpreter first, then an isolated virtualenv, then dependency
// installation, then the app itself. Installation happens in its own layer
// so a dependency failure aborts the image before any app code is copied.
package dockerfile

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"text/template"

	"runway/internal/manifest"
)

// Params are the inputs to the Dockerfile template.
type Params struct {
	Python       string // interpreter version, e.g. "3.11"
	Requirements string // dependency manifest path relative to the app root
	Entrypoint   string // entry-point script relative to the app root
	Port         int    // declared service port
	Env          []KV   // sorted ENV pairs
	Labels       []KV   // sorted LABEL pairs
}

// KV is one key=value pair rendered into the Dockerfile.
type KV struct {
	Key   string
	Value string
}

var tmpl = template.Must(template.New("dockerfile").Funcs(template.FuncMap{
	"quote": strconv.Quote,
}).Parse(`FROM python:{{.Python}}-slim

ENV VIRTUAL_ENV=/opt/venv
RUN python -m venv $VIRTUAL_ENV
ENV PATH="$VIRTUAL_ENV/bin:$PATH" PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1
{{- range .Labels}}
LABEL {{.Key}}={{quote .Value}}
{{- end}}

WORKDIR /app

COPY {{.Requirements}} ./{{.Requirements}}
RUN pip install --no-cache-dir -r {{.Requirements}}

COPY . .
ENV PORT={{.Port}}
{{- range .Env}}
ENV {{.Key}}={{quote .Value}}
{{- end}}

EXPOSE {{.Port}}

CMD ["python", {{quote .Entrypoint}}]
`))

// FromApp derives template params from an app manifest.
func FromApp(app manifest.App) Params {
	return Params{
		Python:       app.Python,
		Requirements: app.Requirements,
		Entrypoint:   app.Entrypoint,
		Port:         app.Port,
		Env:          sortedPairs(app.Env),
		Labels:       sortedPairs(app.Labels),
	}
}

// Render produces the Dockerfile bytes for p.
func Render(p Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedPairs(m map[string]string) []KV {
	if len(m) == 0 {
		return nil
	}
	out := make([]KV, 0, len(m))
	for key, value := range m {
		out = append(out, KV{Key: key, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
