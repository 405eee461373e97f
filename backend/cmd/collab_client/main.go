package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/ot/delta"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/transport"
)

// 命令行参与者：标准输入的每一行追加到文档末尾，文档变化时打印全文
func main() {
	addr := flag.String("addr", "ws://127.0.0.1:3002/collab/ws", "websocket endpoint")
	projectID := flag.String("project", "", "project id")
	fileID := flag.String("file", "", "file id")
	token := flag.String("token", "", "access token; empty signs one with JWT_SECRET")
	userID := flag.Uint64("user", 1, "user id used when signing a token")
	username := flag.String("name", "cli", "username used when signing a token")
	flag.Parse()
	if *projectID == "" || *fileID == "" {
		flag.Usage()
		os.Exit(2)
	}

	tok := *token
	if tok == "" {
		var err error
		tok, _, err = auth.NewTokens(auth.SecretFromEnv()).SignAccessToken(*userID, *username, 24*time.Hour)
		if err != nil {
			log.Fatalf("sign token failed: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := url.Values{}
	q.Set("projectId", *projectID)
	q.Set("fileId", *fileID)
	q.Set("token", tok)
	wc, err := transport.Dial(ctx, *addr+"?"+q.Encode(), nil)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer wc.Close()

	c := session.NewClient(wc, *projectID, *fileID, tok, session.ClientOptions{})
	c.OnState(func(st session.State) { log.Printf("state: %s", st) })
	c.OnChange(func(delta.Delta) {
		fmt.Printf("----- %s\n%s\n", c.Version(), c.Text())
	})
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = c.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer c.Close()
	log.Printf("joined %s as site %s (canEdit=%v)", c.Session(), c.SiteID(), c.CanEdit())

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				// 输入结束后等 outbox 清空再退出
				for i := 0; i < 50 && c.Unacknowledged() > 0; i++ {
					time.Sleep(100 * time.Millisecond)
				}
				return
			}
			if err := c.Insert(len([]rune(c.Text())), line+"\n"); err != nil {
				log.Printf("insert error: %v", err)
			}
		}
	}
}
