package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/store"
)

// TranscriptView is a snapshot of the open chat.
type TranscriptView struct {
	ChatGUID string
	// Messages are newest first, reactions excluded.
	Messages []store.Message
	// Badges maps a message guid to its tapback counts.
	Badges map[string][]model.Badge
}

// SelectChat opens a chat: the cached messages replace the transcript at
// once, then a fresh server page is merged in the background. The returned
// view is the cached one.
func (e *Engine) SelectChat(ctx context.Context, chatGUID string) (TranscriptView, error) {
	if chatGUID == "" {
		return TranscriptView{}, fmt.Errorf("chat guid is required")
	}
	var (
		view   TranscriptView
		seq    uint64
		loadEr error
	)
	err := e.do(ctx, func() {
		cached, err := e.db.GetMessages(chatGUID, e.opts.MessagePageSize, 0)
		if err != nil {
			loadEr = err
			return
		}
		e.selectSeq++
		seq = e.selectSeq
		e.transcript = model.NewTranscript(chatGUID)
		e.transcript.Replace(cached)
		e.recomputeBadges()
		e.transcripts.Add(chatGUID)
		view = e.view()
	})
	if err == nil {
		err = loadEr
	}
	if err != nil {
		return TranscriptView{}, err
	}
	if e.remote != nil {
		e.background("load messages", func(ctx context.Context) { e.loadMessages(ctx, chatGUID, seq) })
	}
	return view, nil
}

func (e *Engine) loadMessages(ctx context.Context, chatGUID string, seq uint64) {
	page, err := e.remote.ListMessages(ctx, chatGUID, bluebubbles.MessageQuery{
		Limit:           e.opts.MessagePageSize,
		WithAttachments: true,
		WithHandle:      true,
	})
	if err != nil {
		e.remoteFailed(err)
		e.syncStatus(SyncStatus{Phase: PhaseMessages, Done: true, Err: err, Text: fmt.Sprintf("Could not load messages: %v", err)})
		return
	}
	if err := e.db.UpsertMessages(chatGUID, page); err != nil {
		e.logger.Error("persist message page", zap.String("chat", chatGUID), zap.Error(err))
	}
	e.post(func() {
		if seq != e.selectSeq || e.transcript == nil || e.transcript.ChatGUID() != chatGUID {
			e.logger.Debug("discarding stale message page", zap.String("chat", chatGUID))
			return
		}
		e.transcript.Merge(page)
		e.recomputeBadges()
		e.transcripts.Add(chatGUID)
	})
}

// Transcript returns a snapshot of the open chat. The view is empty when no
// chat is selected.
func (e *Engine) Transcript(ctx context.Context) (TranscriptView, error) {
	var view TranscriptView
	err := e.do(ctx, func() { view = e.view() })
	return view, err
}

// SelectedChat returns the guid of the open chat, or "".
func (e *Engine) SelectedChat(ctx context.Context) (string, error) {
	var guid string
	err := e.do(ctx, func() {
		if e.transcript != nil {
			guid = e.transcript.ChatGUID()
		}
	})
	return guid, err
}

func (e *Engine) view() TranscriptView {
	if e.transcript == nil {
		return TranscriptView{Badges: map[string][]model.Badge{}}
	}
	badges := make(map[string][]model.Badge, len(e.badges))
	for k, v := range e.badges {
		badges[k] = append([]model.Badge(nil), v...)
	}
	return TranscriptView{
		ChatGUID: e.transcript.ChatGUID(),
		Messages: e.transcript.Visible(),
		Badges:   badges,
	}
}

func (e *Engine) recomputeBadges() {
	e.badges = make(map[string][]model.Badge)
	if e.transcript == nil {
		return
	}
	for _, m := range e.transcript.All() {
		if m.IsReaction() {
			e.refreshBadge(model.ReactionTarget(m.AssociatedMessageGUID))
		}
	}
}

// refreshBadge rescans the held reactions for one target.
func (e *Engine) refreshBadge(target string) {
	if b := e.transcript.Badges(target); len(b) > 0 {
		e.badges[target] = b
	} else {
		delete(e.badges, target)
	}
}
