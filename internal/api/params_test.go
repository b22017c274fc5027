package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/atlasmap-sc/cellfilter/internal/filter"
)

func TestValuesFromQuery(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		values, ok := valuesFromQuery(url.Values{})
		if ok {
			t.Fatalf("expected ok=false, got true")
		}
		if values != nil {
			t.Fatalf("expected nil values, got %#v", values)
		}
	})

	t.Run("commaSeparated", func(t *testing.T) {
		q, _ := url.ParseQuery("values=T,B")
		values, ok := valuesFromQuery(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonArray", func(t *testing.T) {
		q, _ := url.ParseQuery(`values=["T, naive","B"]`)
		values, ok := valuesFromQuery(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T, naive", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})

	t.Run("jsonEmpty", func(t *testing.T) {
		q, _ := url.ParseQuery(`values=[]`)
		values, ok := valuesFromQuery(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		if values == nil || len(values) != 0 {
			t.Fatalf("expected non-nil empty values, got %#v", values)
		}
	})

	t.Run("emptyString", func(t *testing.T) {
		q, _ := url.ParseQuery(`values=`)
		values, ok := valuesFromQuery(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		if values == nil || len(values) != 0 {
			t.Fatalf("expected non-nil empty values, got %#v", values)
		}
	})

	t.Run("repeatedParams", func(t *testing.T) {
		q := url.Values{"values": {"T", " ", "B"}}
		values, ok := valuesFromQuery(q)
		if !ok {
			t.Fatalf("expected ok=true, got false")
		}
		want := []string{"T", "B"}
		if !reflect.DeepEqual(values, want) {
			t.Fatalf("expected %#v, got %#v", want, values)
		}
	})
}

func TestValuesFromBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   []string
		wantOK bool
	}{
		{name: "empty", body: "", want: nil, wantOK: false},
		{name: "jsonArray", body: `["T","B"]`, want: []string{"T", "B"}, wantOK: true},
		{name: "formRepeated", body: `values=T&values=B`, want: []string{"T", "B"}, wantOK: true},
		{name: "formEncodedJson", body: `values=["T","B"]`, want: []string{"T", "B"}, wantOK: true},
		{name: "formWithoutValues", body: `operator=in`, want: nil, wantOK: false},
		{name: "plainList", body: `T, B`, want: []string{"T", "B"}, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, ok := valuesFromBody([]byte(tt.body))
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if !reflect.DeepEqual(values, tt.want) {
				t.Fatalf("expected %#v, got %#v", tt.want, values)
			}
		})
	}
}

func TestValuesFromJSON(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   []string
		wantOK bool
	}{
		{name: "absent", raw: "", want: nil, wantOK: false},
		{name: "null", raw: "null", want: nil, wantOK: false},
		{name: "array", raw: `["T","B"]`, want: []string{"T", "B"}, wantOK: true},
		{name: "emptyArray", raw: `[]`, want: []string{}, wantOK: true},
		{name: "commaString", raw: `"T, B"`, want: []string{"T", "B"}, wantOK: true},
		{name: "number", raw: `3`, want: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, ok := valuesFromJSON(json.RawMessage(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if !reflect.DeepEqual(values, tt.want) {
				t.Fatalf("expected %#v, got %#v", tt.want, values)
			}
		})
	}
}

func TestParseCategoryFilterUpdate(t *testing.T) {
	const target = "/api/sessions/s1/category-filters/f1"

	t.Run("jsonObject", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPatch, target, strings.NewReader(`{"column":"region","operator":"not_in","values":["ARC"],"logic":"or"}`))
		u, err := parseCategoryFilterUpdate(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Column == nil || *u.Column != "region" {
			t.Errorf("expected column region, got %v", u.Column)
		}
		if u.Operator == nil || *u.Operator != filter.OpNotIn {
			t.Errorf("expected operator not_in, got %v", u.Operator)
		}
		if u.Logic == nil || *u.Logic != filter.LogicOr {
			t.Errorf("expected logic OR, got %v", u.Logic)
		}
		if u.Values == nil || !reflect.DeepEqual(*u.Values, []string{"ARC"}) {
			t.Errorf("expected values [ARC], got %v", u.Values)
		}
	})

	t.Run("objectWithoutValuesFallsBackToQuery", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPatch, target+"?values=T,B", strings.NewReader(`{"operator":"in"}`))
		u, err := parseCategoryFilterUpdate(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Values == nil || !reflect.DeepEqual(*u.Values, []string{"T", "B"}) {
			t.Errorf("expected values from query, got %v", u.Values)
		}
		if u.Column != nil {
			t.Errorf("expected column unchanged, got %q", *u.Column)
		}
	})

	t.Run("queryOnly", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPatch, target+"?operator=equals&values=", nil)
		u, err := parseCategoryFilterUpdate(r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Operator == nil || *u.Operator != filter.OpEquals {
			t.Errorf("expected operator equals, got %v", u.Operator)
		}
		if u.Values == nil || len(*u.Values) != 0 {
			t.Errorf("expected cleared values, got %v", u.Values)
		}
	})

	t.Run("invalidOperator", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPatch, target, strings.NewReader(`{"operator":"contains"}`))
		if _, err := parseCategoryFilterUpdate(r); err == nil {
			t.Fatal("expected error for unknown operator")
		}
	})

	t.Run("invalidJSON", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPatch, target, strings.NewReader(`{"values":`))
		if _, err := parseCategoryFilterUpdate(r); err == nil {
			t.Fatal("expected error for truncated body")
		}
	})
}
