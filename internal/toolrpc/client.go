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

package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"order-agent/pkg/log"
)

// ChannelState 通道状态：Open 可用，Broken 需重开，Reopening 重开中
type ChannelState int32

const (
	StateOpen ChannelState = iota
	StateBroken
	StateReopening
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	case StateReopening:
		return "reopening"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer 建立一条到工具服务端的通道。返回写端、读端和等待关闭的回调。
// 默认实现拉起子进程；测试可注入管道
type Dialer func(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error)

// SubprocessDialer 拉起子进程作为工具服务端，stdin/stdout 承载协议帧，
// stderr 透传到当前进程
func SubprocessDialer(command string, args []string, env []string) Dialer {
	return func(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
		cmd := exec.Command(command, args...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("无法创建 stdin 管道: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("无法创建 stdout 管道: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("无法启动工具服务端: %w", err)
		}
		wait := func() error {
			_ = cmd.Process.Kill()
			return cmd.Wait()
		}
		return stdin, stdout, wait, nil
	}
}

// ClientOptions 客户端配置
type ClientOptions struct {
	Dial        Dialer
	CallTimeout time.Duration
	Logger      *log.Logger
}

// conn 一条活跃通道：独占的读循环按 ID 关联响应。
// 通道损坏后 conn 整体废弃，由 Client 重建
type conn struct {
	writer  io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ReplyFrame
	broken  bool

	closeWait func() error
	done      chan struct{}
}

// Client 工具通道客户端。并发安全：多个会话回合可同时发起调用,
// 响应按帧 ID 关联回各自的等待方
type Client struct {
	dial        Dialer
	callTimeout time.Duration
	logger      *log.Logger

	mu    sync.Mutex
	conn  *conn
	state ChannelState
}

// NewClient 创建客户端；需调用 Open 建立通道
func NewClient(opts ClientOptions) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Client{
		dial:        opts.Dial,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
		state:       StateBroken,
	}
}

// Open 建立通道并启动读循环
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return nil
	}
	return c.openLocked(ctx)
}

func (c *Client) openLocked(ctx context.Context) error {
	writer, reader, wait, err := c.dial(ctx)
	if err != nil {
		c.state = StateBroken
		return err
	}
	cn := &conn{
		writer:    writer,
		pending:   make(map[string]chan ReplyFrame),
		closeWait: wait,
		done:      make(chan struct{}),
	}
	c.conn = cn
	c.state = StateOpen
	go c.readLoop(cn, reader)
	return nil
}

// Reopen 重开损坏的通道：丢弃旧子进程，拉起新的。
// 在途调用已全部以 UPSTREAM_UNAVAILABLE 失败，不会跨通道恢复
func (c *Client) Reopen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return nil
	}
	c.state = StateReopening
	if c.conn != nil {
		c.conn.shutdown()
		c.conn = nil
	}
	if c.logger != nil {
		c.logger.Info("重开工具通道")
	}
	return c.openLocked(ctx)
}

// State 返回当前通道状态
func (c *Client) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close 关闭通道并回收子进程
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	if c.conn != nil {
		c.conn.shutdown()
		c.conn = nil
	}
	return nil
}

// readLoop 独占读 stdout：逐行解码响应帧，按 ID 投递给等待方。
// 任何解码失败或流关闭都把通道标记为 Broken 并让所有在途调用失败
func (c *Client) readLoop(cn *conn, reader io.ReadCloser) {
	defer reader.Close()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reply ReplyFrame
		if err := json.Unmarshal(line, &reply); err != nil {
			if c.logger != nil {
				c.logger.Error("响应帧解码失败，通道作废", "error", err)
			}
			c.markBroken(cn)
			return
		}
		cn.mu.Lock()
		ch, ok := cn.pending[reply.ID]
		if ok {
			delete(cn.pending, reply.ID)
		}
		cn.mu.Unlock()
		if !ok {
			// 未知 ID 视为协议失序，整条通道不可信
			if c.logger != nil {
				c.logger.Error("响应帧 ID 无法关联，通道作废", "id", reply.ID)
			}
			c.markBroken(cn)
			return
		}
		ch <- reply
	}
	c.markBroken(cn)
}

// markBroken 标记通道损坏，使全部在途调用立即失败
func (c *Client) markBroken(cn *conn) {
	cn.shutdown()
	c.mu.Lock()
	if c.conn == cn && c.state == StateOpen {
		c.state = StateBroken
	}
	c.mu.Unlock()
}

func (cn *conn) shutdown() {
	cn.mu.Lock()
	if cn.broken {
		cn.mu.Unlock()
		return
	}
	cn.broken = true
	// 在途调用通过 done 统一失败，无需逐个投递
	cn.pending = make(map[string]chan ReplyFrame)
	cn.mu.Unlock()

	close(cn.done)
	_ = cn.writer.Close()
	if cn.closeWait != nil {
		_ = cn.closeWait()
	}
}

// register 登记一个等待帧 ID 的通道；通道已损坏时返回 false
func (cn *conn) register(id string) (chan ReplyFrame, bool) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.broken {
		return nil, false
	}
	ch := make(chan ReplyFrame, 1)
	cn.pending[id] = ch
	return ch, true
}

func (cn *conn) unregister(id string) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

// roundTrip 发送请求帧并等待同 ID 响应；超时或通道损坏返回错误
func (c *Client) roundTrip(ctx context.Context, method string, params any) (ReplyFrame, error) {
	c.mu.Lock()
	cn := c.conn
	state := c.state
	c.mu.Unlock()
	if cn == nil || state != StateOpen {
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "tool channel is not open").WithRetryable(false)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return ReplyFrame{}, fmt.Errorf("无法编码请求参数: %w", err)
	}
	frame := Frame{ID: uuid.NewString(), Method: method, Params: data}
	ch, ok := cn.register(frame.ID)
	if !ok {
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "tool channel broken").WithRetryable(false)
	}

	line, err := json.Marshal(frame)
	if err != nil {
		cn.unregister(frame.ID)
		return ReplyFrame{}, fmt.Errorf("无法编码请求帧: %w", err)
	}
	cn.writeMu.Lock()
	_, err = cn.writer.Write(append(line, '\n'))
	cn.writeMu.Unlock()
	if err != nil {
		cn.unregister(frame.ID)
		c.markBroken(cn)
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "failed to write request frame").WithRetryable(false)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-cn.done:
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "tool channel broken").WithRetryable(false)
	case <-timer.C:
		cn.unregister(frame.ID)
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "tool call timed out").WithRetryable(true)
	case <-ctx.Done():
		cn.unregister(frame.ID)
		return ReplyFrame{}, NewToolError(CodeUpstreamUnavailable, "tool call cancelled").WithRetryable(false)
	}
}

// ListTools 拉取工具目录
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	reply, err := c.roundTrip(ctx, MethodListTools, struct{}{})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, NewToolError(CodeUpstreamUnavailable, reply.Error)
	}
	var specs []ToolSpec
	if err := json.Unmarshal(reply.Result, &specs); err != nil {
		return nil, fmt.Errorf("无法解码工具目录: %w", err)
	}
	return specs, nil
}

// Call 发起一次工具调用。传输层故障不返回 error，而是折算成
// UPSTREAM_UNAVAILABLE 的 Result，调用方统一走错误分类处理
func (c *Client) Call(ctx context.Context, call ToolCall) Result {
	reply, err := c.roundTrip(ctx, MethodCallTool, call)
	if err != nil {
		return Fail(err)
	}
	if reply.Error != "" {
		// 协议层错误：请求帧被服务端拒绝，重试没有意义
		return Fail(NewToolError(CodeUpstreamUnavailable, reply.Error))
	}
	var result Result
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return Fail(NewToolError(CodeUpstreamUnavailable, "无法解码工具结果").WithRetryable(false))
	}
	return result
}
