package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ton-club-bot/internal/chat"
	"ton-club-bot/internal/features/ledger"
	"ton-club-bot/internal/models"
)

// Callback data
const (
	cbMain       = "main"
	cbDisconnect = "disconnect"
	cbClub       = "club"
	cbConnect    = "connect:"
)

const (
	textPickWallet      = "Please select your wallet to connect:"
	textNotConnected    = "Wallet is not connected!"
	textDisconnected    = "Wallet disconnected successfully!"
	textConnected       = "Wallet connected successfully!"
	textUnknownWallet   = "Unknown wallet type!"
	textLinkedElsewhere = "Wallet is already connected to another account!"
	textConnectFailed   = "Error while connecting wallet!"
	textConnectTimeout  = "Connection timeout!"
	textStaleSession    = "Wallet is already connected! There might be some error, however"
	textAlreadyMember   = "You are already in the club!"
	textNotEligible     = "You are not eligible to join the club!"
	textFailed          = "Something went wrong, please try again later."
)

var mainKeyboard = chat.Keyboard{chat.Row(chat.Button{Text: "Main", Data: cbMain})}

// withMain is a message carrying the Main button
func withMain(text string) chat.Message {
	return chat.Message{Text: text, Keyboard: mainKeyboard}
}

// welcome renders the connected wallet status
func welcome(view models.AccountWithWallet, nftHolder, whale bool) chat.Message {
	lines := []string{
		fmt.Sprintf("Connected wallet: %s\n", ledger.FriendlyAddress(view.Wallet.Address)),
	}
	if nftHolder {
		lines = append(lines, "🥷 You are Anonymous Number holder!")
	} else {
		lines = append(lines, "🤖 You are not Anonymous Number holder yet!")
	}
	if h := view.Holder; h != nil && h.Rank != models.DefaultRank {
		lines = append(lines, fmt.Sprintf("🎱 You are $ANON holder #%d!", h.Rank))
		if whale {
			lines = append(lines, "🐋 You are $ANON whale!")
		}
	} else {
		lines = append(lines, "🎱 You are not $ANON holder yet!")
	}

	kb := chat.Keyboard{}
	if nftHolder || whale {
		kb = append(kb, chat.Row(chat.Button{Text: "Join club", Data: cbClub}))
	}
	kb = append(kb, chat.Row(chat.Button{Text: "Disconnect wallet", Data: cbDisconnect}))
	return chat.Message{Text: strings.Join(lines, "\n"), Keyboard: kb}
}

// picker lists wallets as connect:<name> buttons, one per row
func picker(names []string) chat.Message {
	kb := make(chat.Keyboard, 0, len(names))
	for _, n := range names {
		kb = append(kb, chat.Row(chat.Button{Text: n, Data: cbConnect + n}))
	}
	return chat.Message{Text: textPickWallet, Keyboard: kb}
}

func connectPhoto(uri string, png []byte, minutes int) chat.Photo {
	return chat.Photo{
		Name:     "connect.png",
		Data:     png,
		Caption:  fmt.Sprintf("Connect wallet within %d minutes", minutes),
		Keyboard: chat.Keyboard{chat.Row(chat.Button{Text: "Connect", URL: uri})},
	}
}

func inviteMessage(link string, minutes int) chat.Message {
	return chat.Message{
		Text: fmt.Sprintf("Use the button below to join the chat.\n\n"+
			"That's your personal invite that will be valid for %d minutes.", minutes),
		Keyboard: chat.Keyboard{chat.Row(chat.Button{Text: "Join chat", URL: link})},
	}
}

var (
	broadURLPattern = regexp.MustCompile(`[^\s]+\.[a-zA-Z][a-zA-Z]+/?[^\s]*`)
	usernamePattern = regexp.MustCompile(`@([a-zA-Z0-9_]{5,32})\b`)
)

const nameReplacement = "k3w1"

// CleanupName masks links and @mentions that spammers put in display names
func CleanupName(name string) string {
	name = broadURLPattern.ReplaceAllString(name, nameReplacement)
	return usernamePattern.ReplaceAllString(name, nameReplacement)
}

func profileOf(u *tgbotapi.User) models.Profile {
	return models.Profile{
		ExternalID: u.ID,
		Username:   u.UserName,
		FirstName:  CleanupName(u.FirstName),
		LastName:   CleanupName(u.LastName),
		Language:   u.LanguageCode,
	}
}

// sendWelcome shows the wallet status or the picker, editing messageID when set
func (b *Bot) sendWelcome(ctx context.Context, chatID, userID int64, messageID int) error {
	view, err := b.store.GetAccountWithWallet(ctx, userID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", userID, err)
	}

	var msg chat.Message
	if view.HasWallet() {
		nft, err := b.ledger.IsNftHolder(ctx, view.Wallet.Address)
		if err != nil {
			return fmt.Errorf("nft ownership of %d: %w", userID, err)
		}
		msg = welcome(*view, nft, b.ledger.IsWhale(*view))
	} else {
		wallets, err := b.sessions.Wallets(ctx)
		if err != nil {
			return fmt.Errorf("list wallets: %w", err)
		}
		names := make([]string, 0, len(wallets))
		for _, w := range wallets {
			names = append(names, w.Name)
		}
		msg = picker(names)
	}

	_, err = chat.EditOrSend(ctx, b.transport, chatID, messageID, msg)
	return err
}
