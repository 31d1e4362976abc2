package fhir

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// The FHIR XML namespace.
const xmlNamespace = "http://hl7.org/fhir"

// ParseXML decodes the FHIR XML wire form into a resource tree. Primitive
// values are carried in "value" attributes; repeated elements become arrays.
func ParseXML(data []byte) (Resource, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("parse resource: empty document")
		}
		if err != nil {
			return nil, fmt.Errorf("parse resource: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		body, err := decodeXMLElement(dec, start)
		if err != nil {
			return nil, fmt.Errorf("parse resource: %w", err)
		}
		res, _ := body.(map[string]interface{})
		if res == nil {
			res = map[string]interface{}{}
		}
		res["resourceType"] = start.Name.Local
		return res, nil
	}
}

// decodeXMLElement reads one element into either a primitive (from its value
// attribute) or a nested map.
func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	var valueAttr string
	hasValue := false
	obj := map[string]interface{}{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "value":
			valueAttr = attr.Value
			hasValue = true
		case "xmlns", "schemaLocation":
		default:
			obj[attr.Name.Local] = attr.Value
		}
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			// Contained resources appear as a wrapper whose single child is
			// the resource element itself.
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			appendXMLField(obj, t.Name.Local, child)
		case xml.EndElement:
			if hasValue && len(obj) == 0 {
				return convertXMLPrimitive(valueAttr), nil
			}
			if hasValue {
				obj["value"] = convertXMLPrimitive(valueAttr)
			}
			if len(obj) == 0 {
				return nil, nil
			}
			return obj, nil
		}
	}
}

func appendXMLField(obj map[string]interface{}, name string, value interface{}) {
	if existing, ok := obj[name]; ok {
		if arr, isArr := existing.([]interface{}); isArr {
			obj[name] = append(arr, value)
		} else {
			obj[name] = []interface{}{existing, value}
		}
		return
	}
	obj[name] = value
}

// convertXMLPrimitive narrows a value attribute to bool or number where the
// lexical form allows; JSON and XML loads then agree on element types.
func convertXMLPrimitive(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if len(s) > 0 && (s[0] == '-' || (s[0] >= '0' && s[0] <= '9')) {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "eE") {
			// Dates also parse as numbers for "2024" style years; keep
			// strings when a dash follows the leading digits.
			if !strings.Contains(s, "-") && !strings.Contains(s, ":") {
				return f
			}
		}
	}
	return s
}

// MarshalXML serializes a resource to the FHIR XML wire form.
func MarshalXML(res Resource, pretty bool) ([]byte, error) {
	rt := ResourceType(res)
	if rt == "" {
		return nil, fmt.Errorf("serialize resource: missing resourceType")
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if pretty {
		enc.Indent("", "  ")
	}
	start := xml.StartElement{
		Name: xml.Name{Local: rt},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: xmlNamespace}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	if err := encodeXMLFields(enc, res, true); err != nil {
		return nil, err
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeXMLFields(enc *xml.Encoder, obj map[string]interface{}, topLevel bool) error {
	names := make([]string, 0, len(obj))
	for name := range obj {
		if topLevel && name == "resourceType" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	// id and meta lead, matching the FHIR element order for the fields the
	// engine stamps.
	sort.SliceStable(names, func(i, j int) bool {
		return xmlFieldRank(names[i]) < xmlFieldRank(names[j])
	})
	for _, name := range names {
		if err := encodeXMLValue(enc, name, obj[name]); err != nil {
			return err
		}
	}
	return nil
}

func xmlFieldRank(name string) int {
	switch name {
	case "id":
		return 0
	case "meta":
		return 1
	case "url":
		return 2
	default:
		return 3
	}
}

func encodeXMLValue(enc *xml.Encoder, name string, v interface{}) error {
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			if err := encodeXMLValue(enc, name, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		start := xml.StartElement{Name: xml.Name{Local: name}}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if err := encodeXMLFields(enc, val, false); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	case nil:
		return nil
	default:
		start := xml.StartElement{
			Name: xml.Name{Local: name},
			Attr: []xml.Attr{{Name: xml.Name{Local: "value"}, Value: stringify(val)}},
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}
}
