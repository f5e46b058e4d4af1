package avtransport

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"text/template"
)

// Envelope and per-action body templates. Argument values are XML-escaped
// by the esc template function; the body is spliced into the envelope
// verbatim.
const envelopeTmpl = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>{{.Body}}</s:Body>
</s:Envelope>`

var actionTemplates = map[string]string{
	"SetAVTransportURI": `<u:SetAVTransportURI xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
    <CurrentURI>{{esc (index . "CurrentURI")}}</CurrentURI>
    <CurrentURIMetaData>{{esc (index . "CurrentURIMetaData")}}</CurrentURIMetaData>
  </u:SetAVTransportURI>`,

	"Play": `<u:Play xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
    <Speed>{{esc (index . "Speed")}}</Speed>
  </u:Play>`,

	"Pause": `<u:Pause xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
  </u:Pause>`,

	"Stop": `<u:Stop xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
  </u:Stop>`,

	"Seek": `<u:Seek xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
    <Unit>{{esc (index . "Unit")}}</Unit>
    <Target>{{esc (index . "Target")}}</Target>
  </u:Seek>`,

	"GetTransportInfo": `<u:GetTransportInfo xmlns:u="` + serviceType + `">
    <InstanceID>{{esc (index . "InstanceID")}}</InstanceID>
  </u:GetTransportInfo>`,
}

var (
	envelope = template.Must(template.New("envelope").Parse(envelopeTmpl))
	actions  = func() map[string]*template.Template {
		m := make(map[string]*template.Template, len(actionTemplates))
		funcs := template.FuncMap{"esc": escapeXML}
		for name, body := range actionTemplates {
			m[name] = template.Must(template.New(name).Funcs(funcs).Parse(body))
		}
		return m
	}()
)

// buildEnvelope renders the SOAP envelope for a known action with the
// given argument values.
func buildEnvelope(action string, args map[string]string) ([]byte, error) {
	tmpl, ok := actions[action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, args); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := envelope.Execute(&out, map[string]string{"Body": body.String()}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
