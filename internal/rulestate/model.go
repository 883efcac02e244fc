package rulestate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type RuleType string

const (
	RuleTypeFile             RuleType = "File"
	RuleTypeCloudTrail       RuleType = "CloudTrail"
	RuleTypeHost             RuleType = "Host"
	RuleTypeThreatIntel      RuleType = "ThreatIntel"
	RuleTypeWinsec           RuleType = "Winsec"
	RuleTypeKubernetesAudit  RuleType = "kubernetesAudit"
	RuleTypeKubernetesConfig RuleType = "kubernetesConfig"
)

var RuleTypes = []RuleType{
	RuleTypeFile,
	RuleTypeCloudTrail,
	RuleTypeHost,
	RuleTypeThreatIntel,
	RuleTypeWinsec,
	RuleTypeKubernetesAudit,
	RuleTypeKubernetesConfig,
}

// Rule is a rule body. Fields the platform defines for only some rule types
// (file filters, event selectors and so on) are carried through Extra
// untouched.
type Rule struct {
	Name             string   `json:"name" validate:"required"`
	Type             RuleType `json:"type" validate:"required,oneof=File CloudTrail Host ThreatIntel Winsec kubernetesAudit kubernetesConfig"`
	Title            string   `json:"title,omitempty"`
	Severity         int      `json:"severityOfAlerts" validate:"oneof=1 2 3"`
	AlertDescription string   `json:"alertDescription,omitempty"`
	AggregateFields  []string `json:"aggregateFields,omitempty"`
	Filter           string   `json:"filter"`
	Window           int      `json:"window,omitempty" validate:"gte=0"`
	Threshold        int      `json:"threshold,omitempty" validate:"gte=0"`
	Suppressions     []string `json:"suppressions,omitempty"`
	Enabled          bool     `json:"enabled"`

	Extra map[string]jsoniter.RawMessage `json:"-"`
}

type Ruleset struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	RuleIDs     []string `json:"ruleIds"`

	Extra map[string]jsoniter.RawMessage `json:"-"`
}

type Tag struct {
	Source string `json:"source" validate:"required"`
	Key    string `json:"key" validate:"required"`
	Value  string `json:"value"`
}

type Tags struct {
	Inclusion []Tag `json:"inclusion" validate:"dive"`
	Exclusion []Tag `json:"exclusion" validate:"dive"`
}

// remoteMetadataKeys are assigned by the platform and never stored locally.
var remoteMetadataKeys = map[string]struct{}{
	"id":             {},
	"rulesetId":      {},
	"organizationId": {},
	"createdAt":      {},
	"updatedAt":      {},
}

type ruleFields Rule
type rulesetFields Ruleset

func (r Rule) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(ruleFields(r), r.Extra)
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var fields ruleFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(fields))
	if err != nil {
		return err
	}
	fields.Extra = extra
	*r = Rule(fields)
	return nil
}

func (rs Ruleset) MarshalJSON() ([]byte, error) {
	fields := rulesetFields(rs)
	if fields.RuleIDs == nil {
		fields.RuleIDs = []string{}
	}
	return marshalWithExtra(fields, rs.Extra)
}

func (rs *Ruleset) UnmarshalJSON(data []byte) error {
	var fields rulesetFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, reflect.TypeOf(fields))
	if err != nil {
		return err
	}
	fields.Extra = extra
	*rs = Ruleset(fields)
	return nil
}

func (t Tags) MarshalJSON() ([]byte, error) {
	type tagsFields Tags
	fields := tagsFields(t.Normalize())
	return json.Marshal(fields)
}

func (t Tags) Normalize() Tags {
	if t.Inclusion == nil {
		t.Inclusion = []Tag{}
	}
	if t.Exclusion == nil {
		t.Exclusion = []Tag{}
	}
	return t
}

func (r Rule) Validate() error {
	return validateStruct(r)
}

func (rs Ruleset) Validate() error {
	if err := validateStruct(rs); err != nil {
		return err
	}
	for _, id := range rs.RuleIDs {
		if err := ValidateEntityID(id); err != nil {
			return err
		}
	}
	return nil
}

func (t Tags) Validate() error {
	return validateStruct(t)
}

// SameContent compares two artifacts by their JSON value, ignoring key order
// and formatting.
func SameContent(a, b any) bool {
	left, err := normalizedValue(a)
	if err != nil {
		return false
	}
	right, err := normalizedValue(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func normalizedValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalWithExtra(fields any, extra map[string]jsoniter.RawMessage) ([]byte, error) {
	base, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	merged := map[string]jsoniter.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, known := merged[key]; known {
			continue
		}
		if _, meta := remoteMetadataKeys[key]; meta {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func unknownFields(data []byte, typ reflect.Type) (map[string]jsoniter.RawMessage, error) {
	all := map[string]jsoniter.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for i := 0; i < typ.NumField(); i++ {
		name := strings.Split(typ.Field(i).Tag.Get("json"), ",")[0]
		if name != "" && name != "-" {
			delete(all, name)
		}
	}
	for key := range remoteMetadataKeys {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Namespace(), Value: fmt.Sprint(fe.Value()), Reason: "failed " + reason}
	}
	return &ValidationError{Reason: err.Error()}
}
