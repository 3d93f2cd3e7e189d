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

// Package toolrpc 定义工具调用协议：行分隔 JSON 帧、请求/响应关联、
// 工具目录与结构化错误分类。guardrail 服务端与 agent 客户端共用本包类型。
package toolrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode 工具错误分类
type ErrorCode string

const (
	CodeValidationFailed     ErrorCode = "VALIDATION_FAILED"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeConflict             ErrorCode = "CONFLICT"
	CodeUpstreamUnavailable  ErrorCode = "UPSTREAM_UNAVAILABLE"
)

// ToolError 结构化工具错误；Retryable 仅对 UPSTREAM_UNAVAILABLE 有意义
type ToolError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// Error 实现 error 接口
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError 创建 ToolError
func NewToolError(code ErrorCode, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

// WithDetails 附加 details，返回自身便于链式构造
func (e *ToolError) WithDetails(details map[string]any) *ToolError {
	e.Details = details
	return e
}

// WithRetryable 标记可重试
func (e *ToolError) WithRetryable(retryable bool) *ToolError {
	e.Retryable = retryable
	return e
}

// AsToolError 提取 ToolError；非 ToolError 时归为不可重试的 UPSTREAM_UNAVAILABLE
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Code: CodeUpstreamUnavailable, Message: "unexpected error"}
}

// IsCode 判断错误是否为指定分类
func IsCode(err error, code ErrorCode) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// ToolCall 一次工具调用请求；IdempotencyKey 对变更类工具必填
type ToolCall struct {
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Result 工具调用结果信封：Ok 或结构化错误，二选一
type Result struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *ToolError      `json:"error,omitempty"`
}

// Ok 构造成功结果；payload 序列化失败视为服务端缺陷，返回错误信封
func Ok(payload any) Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return Fail(NewToolError(CodeUpstreamUnavailable, "failed to encode payload"))
	}
	return Result{OK: true, Payload: data}
}

// Fail 构造错误结果
func Fail(err error) Result {
	return Result{OK: false, Err: AsToolError(err)}
}

// DecodePayload 反序列化成功结果的 payload
func (r Result) DecodePayload(dest any) error {
	if !r.OK {
		if r.Err != nil {
			return r.Err
		}
		return errors.New("result not ok")
	}
	return json.Unmarshal(r.Payload, dest)
}

// Schema 工具入参 JSON Schema（目录自省用，guardrail 据此校验）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty Schema 中单个属性的描述与约束
type SchemaProperty struct {
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	MinLength   int             `json:"minLength,omitempty"`
	MaxLength   int             `json:"maxLength,omitempty"`
	Minimum     float64         `json:"minimum,omitempty"`
	Maximum     float64         `json:"maximum,omitempty"`
	MinItems    int             `json:"minItems,omitempty"`
	MaxItems    int             `json:"maxItems,omitempty"`
	Items       *Schema         `json:"items,omitempty"`
}

// ToolSpec 目录项：名称、入参 Schema、是否变更、是否需确认、所需 scope。
// Planner 的动作集合以此为准，与服务端保持同步。
type ToolSpec struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	InputSchema     Schema `json:"input_schema"`
	Mutating        bool   `json:"mutating"`
	RequiresConfirm bool   `json:"requires_confirm"`
	RequiredScope   string `json:"required_scope"`
}

// 协议方法名
const (
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"
)

// Frame 请求帧：行分隔 JSON，ID 用于响应关联
type Frame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ReplyFrame 响应帧；Error 仅承载协议层错误（未知方法、参数不可解析），
// 工具语义错误始终在 Result 信封内
type ReplyFrame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
