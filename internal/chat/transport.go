// Package chat is the capability surface the bot needs from the messaging platform.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ton-club-bot/internal/domain"
)

type Status string

const (
	StatusCreator       Status = "creator"
	StatusAdministrator Status = "administrator"
	StatusMember        Status = "member"
	StatusRestricted    Status = "restricted"
	StatusLeft          Status = "left"
	StatusKicked        Status = "kicked"
)

// Member is the live chat membership of a user
type Member struct {
	UserID      int64
	Status      Status
	CustomTitle string
	IsBot       bool
	// InChat is set for restricted users who are still in the chat
	InChat bool
}

func (m *Member) IsOwner() bool { return m != nil && m.Status == StatusCreator }

func (m *Member) IsAdmin() bool {
	return m != nil && (m.Status == StatusCreator || m.Status == StatusAdministrator)
}

func (m *Member) IsBanned() bool { return m != nil && m.Status == StatusKicked }

// IsPresent reports whether the user currently sits in the chat
func (m *Member) IsPresent() bool {
	if m == nil {
		return false
	}
	switch m.Status {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true
	case StatusRestricted:
		return m.InChat
	}
	return false
}

// Capabilities are the admin rights granted on promotion. The zero value demotes.
type Capabilities struct {
	ManageChat       bool
	ChangeInfo       bool
	DeleteMessages   bool
	ManageVoiceChats bool
	InviteUsers      bool
	RestrictMembers  bool
	PinMessages      bool
	PromoteMembers   bool
}

type Button struct {
	Text string
	Data string // callback payload
	URL  string
}

type Keyboard [][]Button

// Row is a keyboard row helper
func Row(buttons ...Button) []Button { return buttons }

type Message struct {
	Text     string
	Keyboard Keyboard
}

type Photo struct {
	Name     string
	Data     []byte
	Caption  string
	Keyboard Keyboard
}

// Transport is what handlers and the reconciler can do in a chat
type Transport interface {
	Send(ctx context.Context, chatID int64, msg Message) (int, error)
	SendPhoto(ctx context.Context, chatID int64, photo Photo) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, msg Message) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error

	Ban(ctx context.Context, chatID, userID int64, d time.Duration) error
	Promote(ctx context.Context, chatID, userID int64, caps Capabilities) error
	SetCustomTitle(ctx context.Context, chatID, userID int64, title string) error

	// GetMember returns nil when the user is not in the chat and never was banned
	GetMember(ctx context.Context, chatID, userID int64) (*Member, error)
	GetAdmins(ctx context.Context, chatID int64) ([]Member, error)

	CreateInvite(ctx context.Context, chatID int64, name string, expiresAt time.Time) (string, error)
	RevokeInvite(ctx context.Context, chatID int64, link string) error
	ApproveJoin(ctx context.Context, chatID, userID int64) error
	DeclineJoin(ctx context.Context, chatID, userID int64) error
}

// Classify maps platform errors onto the domain transport sentinels
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransportForbidden) || errors.Is(err, domain.ErrTransportTransient) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var te *tgbotapi.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			return fmt.Errorf("%w: %w", domain.ErrTransportForbidden, err)
		case te.Code == 400 && strings.Contains(strings.ToLower(te.Message), "not enough rights"):
			return fmt.Errorf("%w: %w", domain.ErrTransportForbidden, err)
		case te.Code == 429 || te.Code >= 500:
			return fmt.Errorf("%w: %w", domain.ErrTransportTransient, err)
		}
		return err
	}
	// anything that never reached the API is network level
	return fmt.Errorf("%w: %w", domain.ErrTransportTransient, err)
}

// EditOrSend edits messageID in place and falls back to a new message
func EditOrSend(ctx context.Context, t Transport, chatID int64, messageID int, msg Message) (int, error) {
	if messageID != 0 {
		if err := t.Edit(ctx, chatID, messageID, msg); err == nil {
			return messageID, nil
		}
	}
	return t.Send(ctx, chatID, msg)
}
