package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		session *Session
		client  *DirectoryClient

		toName string
		convID string

		conn *websocket.Conn
	}
)

func NewApp(session *Session, client *DirectoryClient) *App {
	return &App{
		app:     tview.NewApplication(),
		session: session,
		client:  client,
	}
}

func (c *App) Run(ctx context.Context) {
	var toName string
	fmt.Print("Enter recipient's name: ")
	_, err := fmt.Scan(&toName) // reads until whitespace
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	c.toName = toName
	c.convID = conversationID(c.session.UserID, toName)

	c.conn, err = c.client.DialRelay(c.session.UserID)
	if err != nil {
		log.Fatal("connect to relay failed", zap.Error(err))
	}

	go c.listenOnWebhook()
	c.renderUI()
}

func (c *App) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// conversationID is the pairwise conversation key, stable regardless of
// who opened the chat.
func conversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, ":")
}

// blocking function
func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.toName))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.renderCachedHistory()

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := c.input.GetText()
			if text == "" {
				return
			}

			go func(msg string) {
				err := c.SendMessage(msg)
				if err != nil {
					c.app.Suspend(func() {
						log.Error("Send message failed", zap.Error(err))
					})
				}
			}(text)
		}
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

// renderCachedHistory paints whatever the local cache already holds, so
// history shows instantly and stays readable even if the key material
// that produced it is long gone.
func (c *App) renderCachedHistory() {
	cached, err := c.session.CachedConversation(c.convID)
	if err != nil {
		log.Warn("load cached history failed", zap.Error(err))
		return
	}
	for _, m := range cached {
		text := m.Plaintext
		if !m.Decrypted {
			text = LockedPlaceholder
		}
		if m.SenderID == c.session.UserID {
			fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", text)
		} else {
			fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", m.SenderID, text)
		}
	}
	c.chatbox.ScrollToEnd()
}

func (c *App) listenOnWebhook() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var message model.Message
		err = json.Unmarshal(data, &message)
		if err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		c.ReceiveMessage(&message)
	}
}

func (c *App) SendMessage(msg string) error {
	content, err := c.session.EncryptOutgoing(context.TODO(), msg, c.toName)
	if err != nil {
		return err
	}

	message := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: c.convID,
		SenderID:       c.session.UserID,
		RecipientID:    c.toName,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	if err := c.conn.WriteJSON(message); err != nil {
		return err
	}

	// cache only after the ciphertext is actually on the wire
	if err := c.session.CacheDecrypted(message, msg); err != nil {
		log.Warn("cache sent message failed", zap.Error(err))
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", msg)
		c.input.SetText("")
		c.chatbox.ScrollToEnd()
	})
	return nil
}

func (c *App) ReceiveMessage(message *model.Message) {
	isSender := message.SenderID == c.session.UserID
	text, ok := c.session.DecryptIncoming(message.Content, isSender)
	if ok {
		if err := c.session.CacheDecrypted(message, text); err != nil {
			log.Warn("cache received message failed", zap.Error(err))
		}
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", message.SenderID, text)
		c.chatbox.ScrollToEnd()
	})
}
