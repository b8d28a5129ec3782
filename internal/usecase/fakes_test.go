package usecase

import (
	"context"
	"fmt"
	"os"
	"sync"

	"tgforward/internal/domain"
)

// fakeClient is an in-memory PlatformClient. Errors are injected per source
// message id; transientOnce entries fail that many times before succeeding.
type fakeClient struct {
	mu sync.Mutex

	chats   map[string]domain.ChatRef
	history map[int64][]domain.CandidateMessage // by chat id, ascending

	errByMsg      map[int]error
	transientOnce map[int]int

	nextOut int

	forwards  [][]int
	copies    []int
	albums    [][]int
	downloads []int
	uploads   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chats:         make(map[string]domain.ChatRef),
		history:       make(map[int64][]domain.CandidateMessage),
		errByMsg:      make(map[int]error),
		transientOnce: make(map[int]int),
		nextOut:       1000,
	}
}

func (f *fakeClient) addChat(raw string, ref domain.ChatRef) domain.ChatRef {
	ref.Raw = raw
	f.chats[raw] = ref
	return ref
}

func (f *fakeClient) addMessages(chat domain.ChatRef, msgs ...domain.CandidateMessage) {
	for i := range msgs {
		msgs[i].Chat = chat
	}
	f.history[chat.ID] = append(f.history[chat.ID], msgs...)
}

// failWith makes every relay attempt touching msgID return err.
func (f *fakeClient) failWith(msgID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errByMsg[msgID] = err
}

// failTransiently makes the next n relay attempts touching msgID fail with a
// transient error.
func (f *fakeClient) failTransiently(msgID int, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transientOnce[msgID] = n
}

func (f *fakeClient) clearFail(msgID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errByMsg, msgID)
}

func (f *fakeClient) errFor(ids ...int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if n := f.transientOnce[id]; n > 0 {
			f.transientOnce[id] = n - 1
			return &domain.TransientIOError{Err: fmt.Errorf("injected transient for %d", id)}
		}
		if err := f.errByMsg[id]; err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeClient) ResolveChat(_ context.Context, ref string) (domain.ChatRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[ref]
	if !ok {
		return domain.ChatRef{}, &domain.ConfigurationError{Ref: ref, Err: fmt.Errorf("unknown chat")}
	}
	return c, nil
}

func (f *fakeClient) ListMessages(_ context.Context, chat domain.ChatRef, sinceID, limit int) ([]domain.CandidateMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CandidateMessage
	for _, m := range f.history[chat.ID] {
		if m.ID > sinceID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeClient) LatestMessageID(_ context.Context, chat domain.ChatRef) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.history[chat.ID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].ID, nil
}

func (f *fakeClient) GetMessages(_ context.Context, chat domain.ChatRef, ids []int) ([]domain.CandidateMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.CandidateMessage
	for _, m := range f.history[chat.ID] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeClient) Forward(_ context.Context, _ domain.ChatRef, ids []int, _ domain.ChatRef) ([]int, error) {
	if err := f.errFor(ids...); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, ids)
	out := make([]int, len(ids))
	for i := range ids {
		f.nextOut++
		out[i] = f.nextOut
	}
	return out, nil
}

func (f *fakeClient) SendCopy(_ context.Context, _ domain.ChatRef, msg domain.CandidateMessage) (int, error) {
	if err := f.errFor(msg.ID); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, msg.ID)
	f.nextOut++
	return f.nextOut, nil
}

func (f *fakeClient) SendAlbum(_ context.Context, _ domain.ChatRef, msgs []domain.CandidateMessage) ([]int, error) {
	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := f.errFor(ids...); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = append(f.albums, ids)
	out := make([]int, len(msgs))
	for i := range msgs {
		f.nextOut++
		out[i] = f.nextOut
	}
	return out, nil
}

func (f *fakeClient) Download(_ context.Context, msg domain.CandidateMessage) (string, error) {
	if err := f.errFor(msg.ID); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "fake_dl_*")
	if err != nil {
		return "", err
	}
	tmp.WriteString("payload")
	tmp.Close()
	f.mu.Lock()
	f.downloads = append(f.downloads, msg.ID)
	f.mu.Unlock()
	return tmp.Name(), nil
}

func (f *fakeClient) Upload(_ context.Context, _ domain.ChatRef, path string, _ domain.MediaInfo, _ string, _ domain.UploadSettings, progress func(uploaded, total int64)) (int, error) {
	if progress != nil {
		progress(7, 7)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, path)
	f.nextOut++
	return f.nextOut, nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) forwardCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards) + len(f.copies) + len(f.albums) + len(f.uploads)
}

func msg(id int, text string) domain.CandidateMessage {
	return domain.CandidateMessage{ID: id, Text: text}
}

func mediaMsg(id int, groupID int64, text string) domain.CandidateMessage {
	return domain.CandidateMessage{
		ID:      id,
		Text:    text,
		GroupID: groupID,
		Media:   &domain.MediaInfo{Kind: domain.MediaPhoto},
	}
}
