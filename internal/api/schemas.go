package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 单个 JSON 请求体上限
const maxJSONBodyBytes = 1 << 20

const turnSchemaJSON = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "maxLength": 4000},
    "arm":  {"type": "string", "enum": ["baseline", "augmented"]}
  },
  "additionalProperties": false
}`

const pairwiseTurnSchemaJSON = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text":      {"type": "string", "maxLength": 4000},
    "criterion": {"type": "string", "maxLength": 64}
  },
  "additionalProperties": false
}`

const factsSchemaJSON = `{
  "type": "object",
  "required": ["facts"],
  "properties": {
    "facts": {
      "type": "array",
      "minItems": 1,
      "maxItems": 500,
      "items": {"type": "string", "minLength": 1, "maxLength": 2000}
    }
  },
  "additionalProperties": false
}`

const likertSchemaJSON = `{
  "type": "object",
  "required": ["arm", "criterion", "score"],
  "properties": {
    "turn_id":   {"type": "string", "maxLength": 64},
    "arm":       {"type": "string", "enum": ["baseline", "augmented"]},
    "criterion": {"type": "string", "minLength": 1, "maxLength": 64},
    "score":     {"type": "integer", "minimum": 1, "maximum": 5},
    "comment":   {"type": "string", "maxLength": 2000}
  },
  "additionalProperties": false
}`

const pairwiseJudgmentSchemaJSON = `{
  "type": "object",
  "required": ["utterance", "reply_a", "reply_b", "arm_a", "arm_b", "preferred"],
  "properties": {
    "id":        {"type": "string", "format": "uuid"},
    "utterance": {"type": "string"},
    "reply_a":   {"type": "string"},
    "reply_b":   {"type": "string"},
    "arm_a":     {"type": "string", "enum": ["baseline", "augmented"]},
    "arm_b":     {"type": "string", "enum": ["baseline", "augmented"]},
    "preferred": {"type": "string", "enum": ["a", "b", "tie"]},
    "criterion": {"type": "string", "maxLength": 64},
    "comment":   {"type": "string", "maxLength": 2000}
  },
  "additionalProperties": false
}`

var (
	turnSchema             = mustCompileSchema("turn.json", turnSchemaJSON)
	pairwiseTurnSchema     = mustCompileSchema("pairwise_turn.json", pairwiseTurnSchemaJSON)
	factsSchema            = mustCompileSchema("facts.json", factsSchemaJSON)
	likertSchema           = mustCompileSchema("likert.json", likertSchemaJSON)
	pairwiseJudgmentSchema = mustCompileSchema("pairwise_judgment.json", pairwiseJudgmentSchemaJSON)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

var errBodyTooLarge = errors.New("request body too large")

// decodeValidated 先按 schema 校验，再解码到 dst
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("read body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("invalid payload: %s", leafMessage(ve))
		}
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// leafMessage 取最深一层的校验错误，便于客户端定位字段
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}

// writeDecodeError 把 decodeValidated 的错误映射为 HTTP 响应
func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
