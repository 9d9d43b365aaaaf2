package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// AnswerPayload 按玩法区分的作答变体
type AnswerPayload interface {
	Mode() PlayMode
}

type FocusAnswer struct {
	SelectedIndex *int `json:"selected_index" validate:"required,min=0"`
}

type ClozeAnswer struct {
	Blanks []string `json:"blanks" validate:"required"`
}

type ParaphraseAnswer struct {
	Paraphrase string `json:"paraphrase" validate:"required"`
}

type SummarizeAnswer struct {
	Summary string `json:"summary" validate:"required"`
}

type ClarifyAnswer struct {
	Questions []string `json:"questions" validate:"required,min=1,max=5,dive,required"`
}

func (FocusAnswer) Mode() PlayMode      { return PlayModeFocus }
func (ClozeAnswer) Mode() PlayMode      { return PlayModeCloze }
func (ParaphraseAnswer) Mode() PlayMode { return PlayModeParaphrase }
func (SummarizeAnswer) Mode() PlayMode  { return PlayModeSummarize }
func (ClarifyAnswer) Mode() PlayMode    { return PlayModeClarify }

// ValidationError 逐字段诊断，key 为 JSON 路径
type ValidationError struct {
	Subject string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func validateStruct(v interface{}) map[string]string {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return fields
}

// fieldPath 去掉顶层结构体名：FocusAnswer.selected_index -> selected_index
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.String {
			return "must contain at least " + fe.Param() + " item(s)"
		}
		return "must be >= " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.String {
			return "must contain at most " + fe.Param() + " item(s)"
		}
		return "must be <= " + fe.Param()
	}
	return "failed on " + fe.Tag()
}

func newAnswer(mode PlayMode) (AnswerPayload, error) {
	switch mode {
	case PlayModeFocus:
		return &FocusAnswer{}, nil
	case PlayModeCloze:
		return &ClozeAnswer{}, nil
	case PlayModeParaphrase:
		return &ParaphraseAnswer{}, nil
	case PlayModeSummarize:
		return &SummarizeAnswer{}, nil
	case PlayModeClarify:
		return &ClarifyAnswer{}, nil
	}
	return nil, fmt.Errorf("unknown play mode %q", mode)
}

// ParseAnswerPayload 严格解码作答：拒绝未知字段和类型不符，随后做 schema 校验
func ParseAnswerPayload(mode PlayMode, raw []byte) (AnswerPayload, error) {
	ans, err := newAnswer(mode)
	if err != nil {
		return nil, err
	}
	subject := string(mode) + " answer_payload"
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Subject: subject, Fields: map[string]string{"_": "payload required"}}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ans); err != nil {
		return nil, &ValidationError{Subject: subject, Fields: decodeDiagnostics(err)}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ValidationError{Subject: subject, Fields: map[string]string{"_": "unexpected trailing data"}}
	}
	if fields := validateStruct(ans); len(fields) > 0 {
		return nil, &ValidationError{Subject: subject, Fields: fields}
	}
	return ans, nil
}

func decodeDiagnostics(err error) map[string]string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "_"
		}
		return map[string]string{field: "expected " + typeErr.Type.String() + ", got " + typeErr.Value}
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		name := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return map[string]string{name: "extra fields not permitted"}
	}
	return map[string]string{"_": msg}
}

// SamePayload 结构化深比较两个 JSON 文档，忽略键顺序与空白
func SamePayload(a, b []byte) bool {
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
