// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guardrail

import (
	"fmt"
	"math"
	"unicode/utf8"

	"order-agent/internal/toolrpc"
)

// validateArgs 按工具的入参 Schema 校验 args。未声明的参数一律拒绝，
// 所有违规字段汇总进 details，一次性返回给调用方
func validateArgs(schema toolrpc.Schema, args map[string]any) *toolrpc.ToolError {
	violations := map[string]any{}
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			violations[name] = "required"
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			violations[name] = "unknown argument"
			continue
		}
		if reason := validateValue(prop, value); reason != "" {
			violations[name] = reason
		}
	}
	if len(violations) > 0 {
		return toolrpc.NewToolError(toolrpc.CodeValidationFailed, "invalid arguments").
			WithDetails(violations)
	}
	return nil
}

func validateValue(prop toolrpc.SchemaProperty, value any) string {
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		n := utf8.RuneCountInString(s)
		if prop.MinLength > 0 && n < prop.MinLength {
			return fmt.Sprintf("must be at least %d characters", prop.MinLength)
		}
		if prop.MaxLength > 0 && n > prop.MaxLength {
			return fmt.Sprintf("must be at most %d characters", prop.MaxLength)
		}
	case "integer":
		// JSON 数字统一解码为 float64，这里再判定整数性
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
		if prop.Minimum != 0 || prop.Maximum != 0 {
			if f < prop.Minimum {
				return fmt.Sprintf("must be at least %v", prop.Minimum)
			}
			if prop.Maximum > 0 && f > prop.Maximum {
				return fmt.Sprintf("must be at most %v", prop.Maximum)
			}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case "array":
		list, ok := value.([]any)
		if !ok {
			return "must be an array"
		}
		if prop.MinItems > 0 && len(list) < prop.MinItems {
			return fmt.Sprintf("must have at least %d items", prop.MinItems)
		}
		if prop.MaxItems > 0 && len(list) > prop.MaxItems {
			return fmt.Sprintf("must have at most %d items", prop.MaxItems)
		}
		if prop.Items != nil {
			for i, element := range list {
				obj, ok := element.(map[string]any)
				if !ok {
					return fmt.Sprintf("item %d must be an object", i)
				}
				if err := validateArgs(*prop.Items, obj); err != nil {
					return fmt.Sprintf("item %d: %v", i, err.Details)
				}
			}
		}
	}
	return ""
}

// validateIdempotencyKey 变更类工具的幂等键长度校验
func validateIdempotencyKey(key string) *toolrpc.ToolError {
	if key == "" {
		return toolrpc.NewToolError(toolrpc.CodeValidationFailed,
			"idempotency_key is required for mutating tools")
	}
	n := utf8.RuneCountInString(key)
	if n < IdempotencyKeyMinLen || n > IdempotencyKeyMaxLen {
		return toolrpc.NewToolError(toolrpc.CodeValidationFailed,
			fmt.Sprintf("idempotency_key must be %d..%d characters",
				IdempotencyKeyMinLen, IdempotencyKeyMaxLen))
	}
	return nil
}
