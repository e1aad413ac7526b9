// Package chattest provides an in-memory chat.Transport that models a single chat
package chattest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ton-club-bot/internal/chat"
)

var _ chat.Transport = (*Fake)(nil)

type Call struct {
	Op     string
	ChatID int64
	UserID int64
	Arg    string
}

type Sent struct {
	ChatID    int64
	MessageID int
	Message   chat.Message
	Photo     *chat.Photo
}

// Fake applies membership changes to its member table so repeated passes observe them
type Fake struct {
	mu      sync.Mutex
	members map[int64]*chat.Member
	nextMsg int
	invites int

	Calls []Call
	Sent  []Sent
	// Fail makes every call of the op return the error
	Fail map[string]error
}

func New() *Fake {
	return &Fake{members: map[int64]*chat.Member{}, Fail: map[string]error{}}
}

// SetMember puts a user in the chat with the given status
func (f *Fake) SetMember(userID int64, status chat.Status, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[userID] = &chat.Member{UserID: userID, Status: status, CustomTitle: title}
}

// Member returns a copy of the stored membership
func (f *Fake) Member(userID int64) (chat.Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return chat.Member{}, false
	}
	return *m, true
}

// Count returns how many times op was called
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls and sent messages
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
	f.Sent = nil
}

// LastText returns the text of the last message sent to chatID
func (f *Fake) LastText(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Sent) - 1; i >= 0; i-- {
		if f.Sent[i].ChatID == chatID {
			if f.Sent[i].Photo != nil {
				return f.Sent[i].Photo.Caption
			}
			return f.Sent[i].Message.Text
		}
	}
	return ""
}

func (f *Fake) record(op string, chatID, userID int64, arg string) error {
	f.Calls = append(f.Calls, Call{Op: op, ChatID: chatID, UserID: userID, Arg: arg})
	return f.Fail[op]
}

func (f *Fake) Send(_ context.Context, chatID int64, msg chat.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("send", chatID, 0, msg.Text); err != nil {
		return 0, err
	}
	f.nextMsg++
	f.Sent = append(f.Sent, Sent{ChatID: chatID, MessageID: f.nextMsg, Message: msg})
	return f.nextMsg, nil
}

func (f *Fake) SendPhoto(_ context.Context, chatID int64, photo chat.Photo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("send_photo", chatID, 0, photo.Caption); err != nil {
		return 0, err
	}
	f.nextMsg++
	p := photo
	f.Sent = append(f.Sent, Sent{ChatID: chatID, MessageID: f.nextMsg, Photo: &p})
	return f.nextMsg, nil
}

func (f *Fake) Edit(_ context.Context, chatID int64, messageID int, msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("edit", chatID, 0, msg.Text); err != nil {
		return err
	}
	f.Sent = append(f.Sent, Sent{ChatID: chatID, MessageID: messageID, Message: msg})
	return nil
}

func (f *Fake) Delete(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("delete", chatID, 0, fmt.Sprint(messageID))
}

func (f *Fake) AnswerCallback(_ context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("answer_callback", 0, 0, callbackID)
}

func (f *Fake) Ban(_ context.Context, chatID, userID int64, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ban", chatID, userID, d.String()); err != nil {
		return err
	}
	f.members[userID] = &chat.Member{UserID: userID, Status: chat.StatusKicked}
	return nil
}

func (f *Fake) Promote(_ context.Context, chatID, userID int64, caps chat.Capabilities) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "promote"
	if caps == (chat.Capabilities{}) {
		op = "demote"
	}
	if err := f.record(op, chatID, userID, ""); err != nil {
		return err
	}
	m, ok := f.members[userID]
	if !ok {
		return fmt.Errorf("user %d is not a member", userID)
	}
	if op == "promote" {
		m.Status = chat.StatusAdministrator
	} else {
		m.Status = chat.StatusMember
		m.CustomTitle = ""
	}
	return nil
}

func (f *Fake) SetCustomTitle(_ context.Context, chatID, userID int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("title", chatID, userID, title); err != nil {
		return err
	}
	if m, ok := f.members[userID]; ok {
		m.CustomTitle = title
	}
	return nil
}

func (f *Fake) GetMember(_ context.Context, chatID, userID int64) (*chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["get_member"]; err != nil {
		return nil, err
	}
	m, ok := f.members[userID]
	if !ok || m.Status == chat.StatusLeft {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) GetAdmins(_ context.Context, chatID int64) ([]chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Member
	for _, m := range f.members {
		if m.IsAdmin() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *Fake) CreateInvite(_ context.Context, chatID int64, name string, expiresAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create_invite", chatID, 0, name); err != nil {
		return "", err
	}
	f.invites++
	return fmt.Sprintf("https://t.me/+invite%d", f.invites), nil
}

func (f *Fake) RevokeInvite(_ context.Context, chatID int64, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("revoke_invite", chatID, 0, link)
}

func (f *Fake) ApproveJoin(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("approve", chatID, userID, ""); err != nil {
		return err
	}
	f.members[userID] = &chat.Member{UserID: userID, Status: chat.StatusMember}
	return nil
}

func (f *Fake) DeclineJoin(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("decline", chatID, userID, "")
}
