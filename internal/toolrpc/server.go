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
	"io"
	"sync"

	"order-agent/pkg/log"
)

// Handler 工具服务端的业务入口
type Handler interface {
	ListTools(ctx context.Context) []ToolSpec
	CallTool(ctx context.Context, call ToolCall) Result
}

// Serve 在 reader/writer 上运行协议循环，直到输入流关闭或 ctx 取消。
// 每个请求帧在独立 goroutine 中处理，写响应由互斥锁串行化，
// 因此慢调用不会阻塞后续请求的处理
func Serve(ctx context.Context, reader io.Reader, writer io.Writer, handler Handler, logger *log.Logger) error {
	var writeMu sync.Mutex
	var wg sync.WaitGroup

	reply := func(frame ReplyFrame) {
		line, err := json.Marshal(frame)
		if err != nil {
			if logger != nil {
				logger.Error("响应帧编码失败", "id", frame.ID, "error", err)
			}
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = writer.Write(append(line, '\n'))
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			if logger != nil {
				logger.Error("请求帧解码失败", "error", err)
			}
			// 无法取出帧 ID，响应无从关联，只能丢弃
			continue
		}
		wg.Add(1)
		go func(frame Frame) {
			defer wg.Done()
			reply(dispatch(ctx, handler, frame))
		}(frame)
	}
	wg.Wait()
	return scanner.Err()
}

func dispatch(ctx context.Context, handler Handler, frame Frame) ReplyFrame {
	switch frame.Method {
	case MethodListTools:
		specs := handler.ListTools(ctx)
		data, err := json.Marshal(specs)
		if err != nil {
			return ReplyFrame{ID: frame.ID, Error: "failed to encode tool catalog"}
		}
		return ReplyFrame{ID: frame.ID, Result: data}
	case MethodCallTool:
		var call ToolCall
		if err := json.Unmarshal(frame.Params, &call); err != nil {
			return ReplyFrame{ID: frame.ID, Error: "malformed tool call params"}
		}
		result := handler.CallTool(ctx, call)
		data, err := json.Marshal(result)
		if err != nil {
			return ReplyFrame{ID: frame.ID, Error: "failed to encode tool result"}
		}
		return ReplyFrame{ID: frame.ID, Result: data}
	default:
		return ReplyFrame{ID: frame.ID, Error: "unknown method: " + frame.Method}
	}
}
