package telegram

import (
	"context"
	"fmt"
	"math/rand"
	"mime"
	"path/filepath"
	"sort"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"tgforward/internal/domain"
)

// ListMessages returns up to limit messages with id > sinceID, oldest-first.
func (c *Client) ListMessages(ctx context.Context, chat domain.ChatRef, sinceID int, limit int) ([]domain.CandidateMessage, error) {
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      inputPeer(chat),
		OffsetID:  sinceID + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     sinceID,
	})
	if err != nil {
		return nil, mapError(err)
	}

	var out []domain.CandidateMessage
	for _, m := range extractMessages(history) {
		if m.ID <= sinceID {
			continue
		}
		out = append(out, toCandidate(m, chat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestMessageID returns the newest message id in the chat, 0 when empty.
func (c *Client) LatestMessageID(ctx context.Context, chat domain.ChatRef) (int, error) {
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(chat),
		Limit: 1,
	})
	if err != nil {
		return 0, mapError(err)
	}
	msgs := extractMessages(history)
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[0].ID, nil
}

// GetMessages fetches specific messages by id, ascending. Missing ids are
// omitted.
func (c *Client) GetMessages(ctx context.Context, chat domain.ChatRef, ids []int) ([]domain.CandidateMessage, error) {
	raw, err := c.fetchRaw(ctx, chat, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.CandidateMessage, 0, len(raw))
	for _, m := range raw {
		out = append(out, toCandidate(m, chat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Forward relays messages by reference, keeping the forwarded-from header.
func (c *Client) Forward(ctx context.Context, from domain.ChatRef, ids []int, to domain.ChatRef) ([]int, error) {
	randomIDs := make([]int64, len(ids))
	for i := range randomIDs {
		randomIDs[i] = rand.Int63()
	}

	updates, err := c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: inputPeer(from),
		ID:       ids,
		RandomID: randomIDs,
		ToPeer:   inputPeer(to),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return msgIDsFromUpdates(updates), nil
}

// SendCopy recreates one message at the target without attribution. The
// source message is refetched first so the media file reference is fresh.
func (c *Client) SendCopy(ctx context.Context, to domain.ChatRef, msg domain.CandidateMessage) (int, error) {
	raw, err := c.fetchRaw(ctx, msg.Chat, []int{msg.ID})
	if err != nil {
		return 0, err
	}
	m, ok := raw[msg.ID]
	if !ok {
		return 0, domain.ErrContentUnavailable
	}

	peer := inputPeer(to)
	var updates tg.UpdatesClass

	if media, ok := inputMediaFromRaw(m.Media); ok {
		updates, err = c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    media,
			Message:  m.Message,
			RandomID: rand.Int63(),
		})
	} else {
		if m.Message == "" {
			// Nothing reproducible: media we cannot re-send and no text.
			return 0, domain.ErrContentUnavailable
		}
		updates, err = c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  m.Message,
			RandomID: rand.Int63(),
		})
	}
	if err != nil {
		return 0, mapError(err)
	}

	ids := msgIDsFromUpdates(updates)
	if len(ids) == 0 {
		return 0, fmt.Errorf("send copy of msg %d: no message id in response", msg.ID)
	}
	return ids[0], nil
}

// SendAlbum recreates a media group as one multi-part post in member order.
// Each item's media is revalidated through messages.uploadMedia, which
// multi-media sends require.
func (c *Client) SendAlbum(ctx context.Context, to domain.ChatRef, msgs []domain.CandidateMessage) ([]int, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	raw, err := c.fetchRaw(ctx, msgs[0].Chat, ids)
	if err != nil {
		return nil, err
	}

	peer := inputPeer(to)
	multi := make([]tg.InputSingleMedia, 0, len(msgs))
	for _, m := range msgs {
		src, ok := raw[m.ID]
		if !ok {
			return nil, domain.ErrContentUnavailable
		}
		media, ok := inputMediaFromRaw(src.Media)
		if !ok {
			return nil, fmt.Errorf("album member %d has no re-sendable media", m.ID)
		}

		validated, err := c.api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer:  peer,
			Media: media,
		})
		if err != nil {
			return nil, mapError(err)
		}
		final, ok := inputMediaFromRaw(validated)
		if !ok {
			return nil, fmt.Errorf("album member %d: unusable media after validation", m.ID)
		}

		multi = append(multi, tg.InputSingleMedia{
			Media:    final,
			RandomID: rand.Int63(),
			Message:  src.Message,
		})
	}

	updates, err := c.api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return msgIDsFromUpdates(updates), nil
}

// Download pulls the message's media into a spool artifact and returns its
// path. The caller owns removal.
func (c *Client) Download(ctx context.Context, msg domain.CandidateMessage) (string, error) {
	raw, err := c.fetchRaw(ctx, msg.Chat, []int{msg.ID})
	if err != nil {
		return "", err
	}
	m, ok := raw[msg.ID]
	if !ok {
		return "", domain.ErrContentUnavailable
	}

	loc, ext, err := downloadLocation(m.Media)
	if err != nil {
		return "", err
	}

	f, err := c.spool.CreateTemp("dl_*" + ext)
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()

	if _, err := downloader.NewDownloader().Download(c.api, loc).ToPath(ctx, path); err != nil {
		c.spool.Remove(path)
		return "", mapError(&domain.TransientIOError{Err: err})
	}
	return path, nil
}

// Upload sends a local artifact as fresh media, preserving the source
// attributes. Parallelism and chunking follow settings.
func (c *Client) Upload(ctx context.Context, to domain.ChatRef, path string, info domain.MediaInfo, caption string, settings domain.UploadSettings, progress func(uploaded, total int64)) (int, error) {
	settings = settings.Normalize()

	up := uploader.NewUploader(c.api).
		WithThreads(settings.Threads).
		WithPartSize(settings.PartSizeKB * 1024)
	if progress != nil {
		up = up.WithProgress(progressFunc(progress))
	}

	file, err := up.FromPath(ctx, path)
	if err != nil {
		return 0, mapError(err)
	}

	updates, err := c.sender.To(inputPeer(to)).Media(ctx, buildMedia(file, path, info, caption))
	if err != nil {
		return 0, mapError(err)
	}

	ids := msgIDsFromUpdates(updates)
	if len(ids) == 0 {
		return 0, fmt.Errorf("upload %s: no message id in response", filepath.Base(path))
	}
	return ids[0], nil
}

func buildMedia(file tg.InputFileClass, path string, info domain.MediaInfo, caption string) message.MediaOption {
	if info.Kind == domain.MediaPhoto {
		return message.UploadedPhoto(file, styling.Plain(caption))
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := info.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}

	doc := message.UploadedDocument(file, styling.Plain(caption)).
		MIME(mimeType).
		Filename(filename)

	switch info.Kind {
	case domain.MediaVideo, domain.MediaAnimation:
		video := &tg.DocumentAttributeVideo{
			W:                 info.Width,
			H:                 info.Height,
			Duration:          float64(info.Duration),
			SupportsStreaming: true,
		}
		doc = doc.Attributes(video)
	case domain.MediaAudio, domain.MediaVoice:
		audio := &tg.DocumentAttributeAudio{Duration: info.Duration}
		if info.Kind == domain.MediaVoice {
			audio.SetVoice(true)
		}
		doc = doc.Attributes(audio)
	}
	return doc
}

// progressFunc adapts a byte callback to the uploader's progress interface.
type progressFunc func(uploaded, total int64)

func (f progressFunc) Chunk(_ context.Context, state uploader.ProgressState) error {
	f(state.Uploaded, state.Total)
	return nil
}

func (c *Client) fetchRaw(ctx context.Context, chat domain.ChatRef, ids []int) (map[int]*tg.Message, error) {
	inputIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		inputIDs[i] = &tg.InputMessageID{ID: id}
	}

	var (
		res tg.MessagesMessagesClass
		err error
	)
	if chat.Kind == domain.ChatChannel {
		res, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: chat.ID, AccessHash: chat.Hash},
			ID:      inputIDs,
		})
	} else {
		res, err = c.api.MessagesGetMessages(ctx, inputIDs)
	}
	if err != nil {
		return nil, mapError(err)
	}

	out := make(map[int]*tg.Message, len(ids))
	for _, m := range extractMessages(res) {
		out[m.ID] = m
	}
	return out, nil
}

func extractMessages(res tg.MessagesMessagesClass) []*tg.Message {
	var raw []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		raw = r.Messages
	case *tg.MessagesMessagesSlice:
		raw = r.Messages
	case *tg.MessagesChannelMessages:
		raw = r.Messages
	}
	out := make([]*tg.Message, 0, len(raw))
	for _, m := range raw {
		if mm, ok := m.(*tg.Message); ok {
			out = append(out, mm)
		}
	}
	return out
}

func inputMediaFromRaw(media tg.MessageMediaClass) (tg.InputMediaClass, bool) {
	switch mm := media.(type) {
	case *tg.MessageMediaPhoto:
		if p, ok := mm.Photo.(*tg.Photo); ok {
			return &tg.InputMediaPhoto{ID: p.AsInput()}, true
		}
	case *tg.MessageMediaDocument:
		if d, ok := mm.Document.(*tg.Document); ok {
			return &tg.InputMediaDocument{ID: d.AsInput()}, true
		}
	}
	return nil, false
}

func downloadLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, string, error) {
	switch mm := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := mm.Photo.(*tg.Photo)
		if !ok {
			return nil, "", domain.ErrContentUnavailable
		}
		// Largest available size.
		var sizeType string
		var maxW int
		for _, s := range p.Sizes {
			if sz, ok := s.(*tg.PhotoSize); ok && sz.W >= maxW {
				maxW = sz.W
				sizeType = sz.Type
			}
		}
		loc := &tg.InputPhotoFileLocation{
			ID:            p.GetID(),
			AccessHash:    p.GetAccessHash(),
			FileReference: p.GetFileReference(),
			ThumbSize:     sizeType,
		}
		return loc, ".jpg", nil

	case *tg.MessageMediaDocument:
		d, ok := mm.Document.(*tg.Document)
		if !ok {
			return nil, "", domain.ErrContentUnavailable
		}
		ext := extForDocument(d)
		return d.AsInputDocumentFileLocation(), ext, nil
	}
	return nil, "", fmt.Errorf("media has no downloadable file")
}

func extForDocument(d *tg.Document) string {
	for _, attr := range d.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			if ext := filepath.Ext(fn.FileName); ext != "" {
				return ext
			}
		}
	}
	if exts, err := mime.ExtensionsByType(d.MimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
