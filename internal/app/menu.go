package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"trackerbot/internal/params"
	"trackerbot/internal/storage"
	kit "trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// Callback data layout. Inline buttons carry comma-separated fields so one
// OnCallback handler can route everything:
//
//	subscript,{page},{channel_id},{0|1}  toggle a subscription to the given state
//	subscript,{page},nav,_               jump to another page
//	subscript,0,ok,_                     close the menu
//	access,APPROVED|REJECTED,{user_id},{username}
const (
	cbSubscript = "subscript"
	cbAccess    = "access"
)

// accessUI drives the approve/reject prompts for the access manager.
type accessUI struct {
	adapter kit.Adapter
	params  *params.Store
	log     logx.Logger
}

func (u *accessUI) PromptAdmins(ctx context.Context, adminIDs []int64, userID int64, username string, expires time.Time) []kit.MessageRef {
	text := u.params.Render("MESSAGE_ACCESS_REQUEST_TEXT", map[string]string{
		"username": username,
		"maxtime":  expires.Format("15:04:05"),
	})
	markup := &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "✔", Data: joinCallback(cbAccess, "APPROVED", strconv.FormatInt(userID, 10), username)},
			{Text: "✖", Data: joinCallback(cbAccess, "REJECTED", strconv.FormatInt(userID, 10), username)},
		}},
	}
	refs := make([]kit.MessageRef, 0, len(adminIDs))
	for _, id := range adminIDs {
		ref, err := u.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{ReplyMarkupAdapter: markup})
		if err != nil {
			u.log.Warn("access prompt undelivered", logx.Int64("admin", id), logx.Err(err))
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (u *accessUI) NotifyRequester(ctx context.Context, userID int64, text string) {
	if _, err := u.adapter.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil); err != nil {
		u.log.Warn("requester notice undelivered", logx.Int64("user", userID), logx.Err(err))
	}
}

func (u *accessUI) ResolvePrompts(ctx context.Context, refs []kit.MessageRef, text string) {
	// Edit in place so the stale buttons disappear.
	for _, ref := range refs {
		if err := u.adapter.EditText(ctx, ref, text, nil); err != nil {
			u.log.Warn("access prompt edit failed",
				logx.Int64("chat", ref.ChatID), logx.Int("msg", ref.MessageID), logx.Err(err))
		}
	}
}

func joinCallback(fields ...string) string {
	return strings.Join(fields, ",")
}

// parseCallback splits callback data into its comma-separated fields,
// tolerating the transport-level prefix some clients prepend.
func parseCallback(data string) []string {
	data = strings.TrimPrefix(data, "\f")
	if data == "" {
		return nil
	}
	return strings.Split(data, ",")
}

// buildSubscriptionMenu renders one page of the channel list with per-channel
// toggle buttons. Pages are clamped into the valid range.
func buildSubscriptionMenu(ctx context.Context, store storage.Store, ps *params.Store, userID int64, page int) (string, *tele.ReplyMarkup, error) {
	channels, err := store.Channels(ctx)
	if err != nil {
		return "", nil, err
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Identifier < channels[j].Identifier })

	subs, err := store.Subscriptions(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	active := make(map[int64]bool, len(subs))
	for _, s := range subs {
		if s.Active {
			active[s.ChannelID] = true
		}
	}

	perPage := ps.Int("CHANNELS_PER_PAGE")
	if perPage <= 0 {
		perPage = 5
	}
	total := (len(channels) + perPage - 1) / perPage
	if total == 0 {
		total = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= total {
		page = total - 1
	}

	start := page * perPage
	end := start + perPage
	if end > len(channels) {
		end = len(channels)
	}

	pageStr := strconv.Itoa(page)
	rows := make([][]tele.InlineButton, 0, perPage+1)
	for _, ch := range channels[start:end] {
		label := ch.Identifier
		next := "1"
		if active[ch.ID] {
			label = "✔ " + label
			next = "0"
		}
		rows = append(rows, []tele.InlineButton{{
			Text: label,
			Data: joinCallback(cbSubscript, pageStr, strconv.FormatInt(ch.ID, 10), next),
		}})
	}

	nav := make([]tele.InlineButton, 0, 3)
	if page > 0 {
		nav = append(nav, tele.InlineButton{
			Text: "<<",
			Data: joinCallback(cbSubscript, strconv.Itoa(page-1), "nav", "_"),
		})
	}
	nav = append(nav, tele.InlineButton{Text: "OK", Data: joinCallback(cbSubscript, "0", "ok", "_")})
	if page < total-1 {
		nav = append(nav, tele.InlineButton{
			Text: ">>",
			Data: joinCallback(cbSubscript, strconv.Itoa(page+1), "nav", "_"),
		})
	}
	rows = append(rows, nav)

	header := ps.Render("UI_SUBSCRIPTIONS_MENU_HEADER", map[string]string{
		"page":  strconv.Itoa(page + 1),
		"total": strconv.Itoa(total),
	})
	if len(channels) == 0 {
		header = fmt.Sprintf("%s\n(no channels configured)", header)
	}
	return header, &tele.ReplyMarkup{InlineKeyboard: rows}, nil
}
