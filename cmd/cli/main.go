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

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("order-agent cli 0.1.0")
	case "health":
		runHealth()
	case "chat":
		runChat(args)
	case "sessions":
		runSessions()
	case "delete":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orderagent delete <session_id>\n")
			os.Exit(1)
		}
		runDelete(args[0])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: orderagent <command> [args]")
	fmt.Println("  version             - 显示版本")
	fmt.Println("  health              - agent 服务健康检查")
	fmt.Println("  chat [session_id]   - 交互式对话（未传 session_id 时开启新会话）")
	fmt.Println("  sessions            - 列出会话")
	fmt.Println("  delete <session_id> - 删除会话")
}

func runHealth() {
	status, err := getHealth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(status)
}

func runChat(args []string) {
	sessionID := os.Getenv("ORDER_AGENT_SESSION_ID")
	if len(args) > 0 {
		sessionID = args[0]
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		if msg == "exit" || msg == "quit" {
			break
		}
		resp, err := postChat(sessionID, msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "请求失败: %v\n", err)
			continue
		}
		if sessionID == "" {
			sessionID = resp.SessionID
			fmt.Printf("(session %s)\n", sessionID)
		}
		fmt.Println(resp.Reply)
	}
}

func runSessions() {
	sessions, err := listSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取会话列表失败: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%v\tmessages=%v\tupdated=%v\n", s["session_id"], s["messages"], s["updated_at"])
	}
}

func runDelete(id string) {
	if err := deleteSession(id); err != nil {
		fmt.Fprintf(os.Stderr, "删除会话失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("deleted", id)
}
