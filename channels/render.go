package channels

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"
	"time"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
)

// renderData is what content templates can reference
type renderData struct {
	Name  string
	Email string
	Phone string
	Stage models.PipelineStage
	Year  int
}

func newRenderData(c *models.Customer) renderData {
	return renderData{
		Name:  c.Name,
		Email: c.Email,
		Phone: c.Phone,
		Stage: c.PipelineStage,
		Year:  time.Now().Year(),
	}
}

func renderHTML(name, content string, data renderData) (string, error) {
	tmpl, err := htmltemplate.New(name).Parse(content)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", err
	}
	return body.String(), nil
}

func renderText(name, content string, data renderData) (string, error) {
	tmpl, err := template.New(name).Parse(content)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", err
	}
	return body.String(), nil
}
