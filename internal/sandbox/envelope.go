package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const replySchemaJSON = `{
  "type": "object",
  "required": ["ok", "steps", "cells"],
  "additionalProperties": false,
  "properties": {
    "ok": {"type": "boolean"},
    "payload": true,
    "result_type": {"type": "string"},
    "printed": {"type": "string"},
    "panic": {"type": "string"},
    "steps": {"type": "integer", "minimum": 0},
    "cells": {"type": "integer", "minimum": 0},
    "error": {
      "type": "object",
      "required": ["type", "message"],
      "properties": {
        "type": {"type": "string"},
        "message": {"type": "string"},
        "line": {"type": "integer", "minimum": 0}
      }
    },
    "mappings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["requested", "resolved", "score", "method"],
        "properties": {
          "score": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  },
  "if": {"properties": {"ok": {"const": true}}},
  "then": {"required": ["payload", "result_type"]},
  "else": {"anyOf": [{"required": ["error"]}, {"required": ["panic"]}]}
}`

var (
	replySchemaOnce sync.Once
	replySchema     *jsonschema.Schema
	replySchemaErr  error
)

func compiledReplySchema() (*jsonschema.Schema, error) {
	replySchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("reply.json", strings.NewReader(replySchemaJSON)); err != nil {
			replySchemaErr = err
			return
		}
		replySchema, replySchemaErr = c.Compile("reply.json")
	})
	return replySchema, replySchemaErr
}

// ErrMalformedReply marks a worker reply that is not valid JSON or does not
// match the envelope schema.
var ErrMalformedReply = errors.New("malformed sandbox reply")

// DecodeReply validates a worker's reply against the envelope schema and
// decodes it.
func DecodeReply(b []byte) (Reply, error) {
	sch, err := compiledReplySchema()
	if err != nil {
		return Reply{}, fmt.Errorf("compile reply schema: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if err := sch.Validate(doc); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return r, nil
}
