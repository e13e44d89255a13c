package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testKey(user string) ThreadKey {
	return ThreadKey{
		ChannelType:    "telegram",
		ChannelID:      "chat-1",
		ExternalUserID: user,
		AgentID:        "default",
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := store.Append(ctx, AppendInput{
			Key:         key,
			Role:        RoleUser,
			Content:     fmt.Sprintf("message %d", i),
			ContentKind: KindText,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.ID <= last {
			t.Fatalf("message %d got id %d, want > %d", i, msg.ID, last)
		}
		last = msg.ID
	}
}

func TestAppendIdempotencyKeyRejectsReplay(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	input := AppendInput{
		Key:            key,
		Role:           RoleUser,
		Content:        "hello",
		ContentKind:    KindText,
		IdempotencyKey: "telegram:chat-1:alice:default:42",
	}
	if _, err := store.Append(ctx, input); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := store.Append(ctx, input); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replay append: got %v, want ErrDuplicate", err)
	}

	thread, err := store.GetThread(ctx, key.ID())
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.MessageCount != 1 {
		t.Fatalf("thread has %d messages after replay, want 1", thread.MessageCount)
	}
}

func TestConcurrentAppendsKeepDistinctIDs(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := store.Append(ctx, AppendInput{
				Key:         key,
				Role:        RoleUser,
				Content:     fmt.Sprintf("m%d", i),
				ContentKind: KindText,
			})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			ids <- msg.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate message id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("stored %d messages, want %d", len(seen), n)
	}
}

func TestAttachMetadataMergesKeys(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	msg, err := store.Append(ctx, AppendInput{
		Key:         key,
		Role:        RoleUser,
		Content:     "",
		ContentKind: KindImage,
		Metadata: map[string]any{
			MetaMediaRef:      "file-1",
			MetaAnalysisState: AnalysisPending,
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	err = store.AttachMetadata(ctx, key.ID(), msg.ID, map[string]any{
		MetaAnalysisState:  AnalysisComplete,
		MetaAnalysisResult: "a receipt",
	})
	if err != nil {
		t.Fatalf("attach metadata: %v", err)
	}

	got, err := store.GetMessage(ctx, key.ID(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.MetaString(MetaAnalysisState) != AnalysisComplete {
		t.Fatalf("analysis state = %q, want %q", got.MetaString(MetaAnalysisState), AnalysisComplete)
	}
	if got.MetaString(MetaAnalysisResult) != "a receipt" {
		t.Fatalf("analysis result = %q", got.MetaString(MetaAnalysisResult))
	}
	if got.MetaString(MetaMediaRef) != "file-1" {
		t.Fatal("pre-existing metadata key was dropped")
	}
}

func TestAttachMetadataUnknownMessage(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	err := store.AttachMetadata(context.Background(), "nope", 7, map[string]any{"k": "v"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListRecentReturnsNewestFirstWithinLimit(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	for i := 0; i < 7; i++ {
		if _, err := store.Append(ctx, AppendInput{
			Key:         key,
			Role:        RoleUser,
			Content:     fmt.Sprintf("m%d", i),
			ContentKind: KindText,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := store.ListRecent(ctx, key.ID(), 5)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	want := []string{"m6", "m5", "m4", "m3", "m2"}
	for i, w := range want {
		if got[i].Content != w {
			t.Fatalf("position %d = %q, want %q", i, got[i].Content, w)
		}
	}
}

func TestHasRecentEquivalentRespectsWindow(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()
	key := testKey("alice")

	if _, err := store.Append(ctx, AppendInput{
		Key:         key,
		Role:        RoleUser,
		Content:     "where is my order",
		ContentKind: KindText,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	found, err := store.HasRecentEquivalent(ctx, key.ID(), "where is my order", KindText, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !found {
		t.Fatal("equivalent message within window not found")
	}

	found, err = store.HasRecentEquivalent(ctx, key.ID(), "different text", KindText, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if found {
		t.Fatal("non-equivalent content reported as duplicate")
	}

	// A zero window excludes everything already stored.
	found, err = store.HasRecentEquivalent(ctx, key.ID(), "where is my order", KindText, 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if found {
		t.Fatal("message outside window reported as duplicate")
	}
}

func TestListThreadsMostRecentFirst(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, AppendInput{
		Key: testKey("alice"), Role: RoleUser, Content: "a", ContentKind: KindText,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.Append(ctx, AppendInput{
		Key: testKey("bob"), Role: RoleUser, Content: "b", ContentKind: KindText,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	threads, err := store.ListThreads(ctx)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
	if threads[0].Key.ExternalUserID != "bob" {
		t.Fatalf("most recent thread = %q, want bob's", threads[0].Key.ExternalUserID)
	}
}
