package assets

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Compiler binaries are external programs; their output is treated as
// untrusted. The sanitizer rebuilds the SVG keeping only allow-listed
// elements and attributes, so script vectors never reach a reader.

var allowedElements = map[string]bool{
	"svg": true, "g": true, "defs": true, "title": true, "desc": true,
	"path": true, "line": true, "polyline": true, "polygon": true,
	"rect": true, "circle": true, "ellipse": true,
	"text": true, "tspan": true, "marker": true,
	"linearGradient": true, "radialGradient": true, "stop": true,
	"clipPath": true, "use": true,
}

var allowedAttributes = map[string]bool{
	"id": true, "class": true, "viewBox": true, "xmlns": true,
	"width": true, "height": true, "x": true, "y": true, "x1": true,
	"y1": true, "x2": true, "y2": true, "cx": true, "cy": true, "r": true,
	"rx": true, "ry": true, "d": true, "points": true, "transform": true,
	"fill": true, "stroke": true, "stroke-width": true, "stroke-dasharray": true,
	"stroke-linecap": true, "stroke-linejoin": true, "opacity": true,
	"fill-opacity": true, "stroke-opacity": true, "font-family": true,
	"font-size": true, "font-weight": true, "text-anchor": true,
	"dominant-baseline": true, "offset": true, "stop-color": true,
	"stop-opacity": true, "gradientUnits": true, "markerWidth": true,
	"markerHeight": true, "refX": true, "refY": true, "orient": true,
	"clip-path": true, "preserveAspectRatio": true,
}

// SanitizeSVG parses raw SVG and re-emits only allow-listed content.
// Disallowed elements are dropped with their whole subtree; disallowed
// attributes are dropped silently. href values may only be local fragment
// references.
func SanitizeSVG(raw []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	// Compiler output is machine-generated; no external entities.
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose

	var out bytes.Buffer
	encoder := xml.NewEncoder(&out)

	sawSVG := false
	skipDepth := 0
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("malformed SVG: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skipDepth > 0 || !allowedElements[t.Name.Local] {
				skipDepth++
				continue
			}
			if t.Name.Local == "svg" {
				sawSVG = true
			}
			if err := encoder.EncodeToken(sanitizeElement(t)); err != nil {
				return "", err
			}
		case xml.EndElement:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
			if err := encoder.EncodeToken(t); err != nil {
				return "", err
			}
		case xml.CharData:
			if skipDepth > 0 {
				continue
			}
			if err := encoder.EncodeToken(t); err != nil {
				return "", err
			}
		}
		// Comments, directives, and processing instructions are dropped.
	}
	if err := encoder.Flush(); err != nil {
		return "", err
	}
	if !sawSVG {
		return "", fmt.Errorf("no svg root element")
	}
	return out.String(), nil
}

func sanitizeElement(el xml.StartElement) xml.StartElement {
	clean := xml.StartElement{Name: xml.Name{Local: el.Name.Local}}
	for _, attr := range el.Attr {
		name := attr.Name.Local
		if strings.HasPrefix(strings.ToLower(name), "on") {
			continue
		}
		if name == "href" {
			// Only local references survive; no external fetches.
			if strings.HasPrefix(attr.Value, "#") {
				clean.Attr = append(clean.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: attr.Value})
			}
			continue
		}
		if allowedAttributes[name] {
			clean.Attr = append(clean.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: attr.Value})
		}
	}
	return clean
}
