package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Bot API allows about 30 messages per second overall
const defaultRateLimit = 30

// BotAPI is the subset of *tgbotapi.BotAPI the adapter calls
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
}

// Telegram implements Transport on top of the Bot API
type Telegram struct {
	api     BotAPI
	limiter *rate.Limiter
	now     func() time.Time
}

func NewTelegram(api BotAPI) *Telegram {
	return &Telegram{api: api, limiter: rate.NewLimiter(defaultRateLimit, defaultRateLimit), now: time.Now}
}

// wait blocks until the outgoing limiter admits one more call
func (t *Telegram) wait(ctx context.Context) error {
	if t.limiter == nil {
		return ctx.Err()
	}
	return t.limiter.Wait(ctx)
}

func inlineMarkup(kb Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			if b.URL != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, row)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func (t *Telegram) Send(ctx context.Context, chatID int64, msg Message) (int, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	cfg.DisableWebPagePreview = true
	if markup := inlineMarkup(msg.Keyboard); markup != nil {
		cfg.ReplyMarkup = markup
	}
	sent, err := t.api.Send(cfg)
	if err != nil {
		return 0, Classify(fmt.Errorf("send message: %w", err))
	}
	return sent.MessageID, nil
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, photo Photo) (int, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: photo.Name, Bytes: photo.Data})
	cfg.Caption = photo.Caption
	if markup := inlineMarkup(photo.Keyboard); markup != nil {
		cfg.ReplyMarkup = markup
	}
	sent, err := t.api.Send(cfg)
	if err != nil {
		return 0, Classify(fmt.Errorf("send photo: %w", err))
	}
	return sent.MessageID, nil
}

func (t *Telegram) Edit(ctx context.Context, chatID int64, messageID int, msg Message) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	cfg.DisableWebPagePreview = true
	cfg.ReplyMarkup = inlineMarkup(msg.Keyboard)
	if _, err := t.api.Request(cfg); err != nil {
		return Classify(fmt.Errorf("edit message: %w", err))
	}
	return nil
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	return t.request(ctx, "delete message", tgbotapi.NewDeleteMessage(chatID, messageID))
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.request(ctx, "answer callback", tgbotapi.NewCallback(callbackID, text))
}

func (t *Telegram) Ban(ctx context.Context, chatID, userID int64, d time.Duration) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		UntilDate:        t.now().Add(d).Unix(),
	}
	return t.request(ctx, "ban member", cfg)
}

func (t *Telegram) Promote(ctx context.Context, chatID, userID int64, caps Capabilities) error {
	cfg := tgbotapi.PromoteChatMemberConfig{
		ChatMemberConfig:    tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		CanManageChat:       caps.ManageChat,
		CanChangeInfo:       caps.ChangeInfo,
		CanDeleteMessages:   caps.DeleteMessages,
		CanManageVoiceChats: caps.ManageVoiceChats,
		CanInviteUsers:      caps.InviteUsers,
		CanRestrictMembers:  caps.RestrictMembers,
		CanPinMessages:      caps.PinMessages,
		CanPromoteMembers:   caps.PromoteMembers,
	}
	return t.request(ctx, "promote member", cfg)
}

func (t *Telegram) SetCustomTitle(ctx context.Context, chatID, userID int64, title string) error {
	cfg := tgbotapi.SetChatAdministratorCustomTitle{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		CustomTitle:      title,
	}
	return t.request(ctx, "set custom title", cfg)
}

func toMember(m tgbotapi.ChatMember) Member {
	out := Member{Status: Status(m.Status), CustomTitle: m.CustomTitle, InChat: m.IsMember}
	if m.User != nil {
		out.UserID = m.User.ID
		out.IsBot = m.User.IsBot
	}
	return out
}

// isUnknownUser matches the 400 Telegram returns for users that never joined
func isUnknownUser(err error) bool {
	var te *tgbotapi.Error
	if !errors.As(err, &te) || te.Code != 400 {
		return false
	}
	msg := strings.ToLower(te.Message)
	return strings.Contains(msg, "user not found") || strings.Contains(msg, "participant_id_invalid")
}

func (t *Telegram) GetMember(ctx context.Context, chatID, userID int64) (*Member, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	m, err := t.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		if isUnknownUser(err) {
			return nil, nil
		}
		return nil, Classify(fmt.Errorf("get chat member %d: %w", userID, err))
	}
	if Status(m.Status) == StatusLeft {
		return nil, nil
	}
	member := toMember(m)
	if member.UserID == 0 {
		member.UserID = userID
	}
	return &member, nil
}

func (t *Telegram) GetAdmins(ctx context.Context, chatID int64) ([]Member, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	admins, err := t.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("get chat admins: %w", err))
	}
	out := make([]Member, 0, len(admins))
	for _, a := range admins {
		out = append(out, toMember(a))
	}
	return out, nil
}

func (t *Telegram) CreateInvite(ctx context.Context, chatID int64, name string, expiresAt time.Time) (string, error) {
	if err := t.wait(ctx); err != nil {
		return "", err
	}
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:         tgbotapi.ChatConfig{ChatID: chatID},
		Name:               name,
		ExpireDate:         int(expiresAt.Unix()),
		CreatesJoinRequest: true,
	}
	resp, err := t.api.Request(cfg)
	if err != nil {
		return "", Classify(fmt.Errorf("create invite link: %w", err))
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("decode invite link: %w", err)
	}
	return link.InviteLink, nil
}

func (t *Telegram) RevokeInvite(ctx context.Context, chatID int64, link string) error {
	cfg := tgbotapi.RevokeChatInviteLinkConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		InviteLink: link,
	}
	return t.request(ctx, "revoke invite link", cfg)
}

func (t *Telegram) ApproveJoin(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.ApproveChatJoinRequestConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	}
	return t.request(ctx, "approve join request", cfg)
}

func (t *Telegram) DeclineJoin(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.DeclineChatJoinRequest{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	}
	return t.request(ctx, "decline join request", cfg)
}

func (t *Telegram) request(ctx context.Context, op string, c tgbotapi.Chattable) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	if _, err := t.api.Request(c); err != nil {
		return Classify(fmt.Errorf("%s: %w", op, err))
	}
	return nil
}
