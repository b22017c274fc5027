package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/atlasmap-sc/cellfilter/internal/filter"
)

const maxRequestBodyBytes = 10 << 20 // 10 MiB

// categoryFilterRequest is the JSON body of category filter create/update.
// Values may be an array or a single comma-separated string.
type categoryFilterRequest struct {
	Column   *string         `json:"column"`
	Operator *string         `json:"operator"`
	Values   json.RawMessage `json:"values"`
	Logic    *string         `json:"logic"`
}

// parseCategoryFilterUpdate reads a category filter change from a JSON
// object body, a bare value list body (JSON array, form or comma list) and
// the query string, in that order of precedence.
func parseCategoryFilterUpdate(r *http.Request) (filter.CategoryFilterUpdate, error) {
	var u filter.CategoryFilterUpdate

	var body []byte
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil {
			return u, err
		}
		if len(raw) > maxRequestBodyBytes {
			return u, errors.New("request body too large")
		}
		body = bytes.TrimSpace(raw)
	}

	var (
		req        categoryFilterRequest
		values     []string
		haveValues bool
	)
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &req); err != nil {
			return u, errors.New("invalid request body: " + err.Error())
		}
		values, haveValues = valuesFromJSON(req.Values)
	} else {
		values, haveValues = valuesFromBody(body)
	}

	q := r.URL.Query()
	queryString := func(dst **string, key string) {
		if *dst == nil && q.Has(key) {
			v := q.Get(key)
			*dst = &v
		}
	}
	queryString(&req.Column, "column")
	queryString(&req.Operator, "operator")
	queryString(&req.Logic, "logic")
	if !haveValues {
		values, haveValues = valuesFromQuery(q)
	}

	u.Column = req.Column
	if req.Operator != nil {
		op, err := filter.ParseCategoryOp(*req.Operator)
		if err != nil {
			return u, err
		}
		u.Operator = &op
	}
	if req.Logic != nil {
		l, err := filter.ParseLogic(*req.Logic)
		if err != nil {
			return u, err
		}
		u.Logic = &l
	}
	if haveValues {
		u.Values = &values
	}
	return u, nil
}

type geneFilterRequest struct {
	Gene     *string  `json:"gene"`
	Operator *string  `json:"operator"`
	Value    *float64 `json:"value"`
	Logic    *string  `json:"logic"`
}

func parseGeneFilterUpdate(r *http.Request) (filter.GeneFilterUpdate, error) {
	var u filter.GeneFilterUpdate
	var req geneFilterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		return u, errors.New("invalid request body: " + err.Error())
	}

	u.Gene = req.Gene
	u.Value = req.Value
	if req.Operator != nil {
		op, err := filter.ParseGeneOp(*req.Operator)
		if err != nil {
			return u, err
		}
		u.Operator = &op
	}
	if req.Logic != nil {
		l, err := filter.ParseLogic(*req.Logic)
		if err != nil {
			return u, err
		}
		u.Logic = &l
	}
	return u, nil
}

// valuesFromJSON decodes the "values" member of a request object. An absent
// or null member leaves the selection unchanged.
func valuesFromJSON(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonNil(list), true
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return splitValues(text), true
	}
	return nil, false
}

// valuesFromBody reads a body that is only a value list:
//
//	["T","B"]
//	values=T&values=B
//	T,B
func valuesFromBody(body []byte) ([]string, bool) {
	if len(body) == 0 {
		return nil, false
	}
	if body[0] != '[' && bytes.Contains(body, []byte("=")) {
		if q, err := url.ParseQuery(string(body)); err == nil {
			return valuesFromQuery(q)
		}
	}
	return splitValues(string(body)), true
}

// valuesFromQuery reads ?values=, either repeated or as one list.
func valuesFromQuery(q url.Values) ([]string, bool) {
	raw, present := q["values"]
	if !present {
		return nil, false
	}
	if len(raw) == 1 {
		return splitValues(raw[0]), true
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, true
}

// splitValues parses one textual list. A JSON array keeps commas inside
// values; anything else splits on commas. Blank text clears the selection.
func splitValues(text string) []string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "[") {
		var list []string
		if err := json.Unmarshal([]byte(text), &list); err == nil {
			return nonNil(list)
		}
	}
	out := make([]string, 0)
	for _, p := range strings.Split(text, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return make([]string, 0)
	}
	return values
}
