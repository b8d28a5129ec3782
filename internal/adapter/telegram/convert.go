package telegram

import (
	"sort"
	"time"

	"github.com/gotd/td/tg"

	"tgforward/internal/domain"
)

func toCandidate(m *tg.Message, chat domain.ChatRef) domain.CandidateMessage {
	groupID, _ := m.GetGroupedID()
	return domain.CandidateMessage{
		ID:         m.ID,
		Chat:       chat,
		Date:       time.Unix(int64(m.Date), 0),
		Text:       m.Message,
		Media:      mediaInfo(m.Media),
		GroupID:    groupID,
		Restricted: chat.NoForwards || m.Noforwards,
	}
}

func mediaInfo(media tg.MessageMediaClass) *domain.MediaInfo {
	switch mm := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := mm.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		info := &domain.MediaInfo{Kind: domain.MediaPhoto}
		for _, s := range photo.Sizes {
			if sz, ok := s.(*tg.PhotoSize); ok {
				if sz.W > info.Width {
					info.Width, info.Height = sz.W, sz.H
					info.Size = int64(sz.Size)
				}
			}
		}
		return info

	case *tg.MessageMediaDocument:
		doc, ok := mm.Document.(*tg.Document)
		if !ok {
			return nil
		}
		info := &domain.MediaInfo{
			Kind:     domain.MediaDocument,
			MimeType: doc.MimeType,
			Size:     doc.Size,
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				info.Filename = a.FileName
			case *tg.DocumentAttributeVideo:
				info.Kind = domain.MediaVideo
				info.Width, info.Height = a.W, a.H
				info.Duration = int(a.Duration)
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					info.Kind = domain.MediaVoice
				} else {
					info.Kind = domain.MediaAudio
				}
				info.Duration = a.Duration
			case *tg.DocumentAttributeAnimated:
				info.Kind = domain.MediaAnimation
			case *tg.DocumentAttributeSticker:
				info.Kind = domain.MediaSticker
			}
		}
		return info
	}
	return nil
}

// msgIDsFromUpdates collects the ids of freshly sent messages out of an
// updates container, ascending.
func msgIDsFromUpdates(updates tg.UpdatesClass) []int {
	var ids []int
	appendMsg := func(m tg.MessageClass) {
		if msg, ok := m.(*tg.Message); ok {
			ids = append(ids, msg.ID)
		}
	}

	switch u := updates.(type) {
	case *tg.UpdatesCombined:
		for _, upd := range u.Updates {
			switch uu := upd.(type) {
			case *tg.UpdateNewMessage:
				appendMsg(uu.Message)
			case *tg.UpdateNewChannelMessage:
				appendMsg(uu.Message)
			}
		}
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch uu := upd.(type) {
			case *tg.UpdateNewMessage:
				appendMsg(uu.Message)
			case *tg.UpdateNewChannelMessage:
				appendMsg(uu.Message)
			}
		}
	case *tg.UpdateShortSentMessage:
		ids = append(ids, u.ID)
	}

	sort.Ints(ids)
	return ids
}
