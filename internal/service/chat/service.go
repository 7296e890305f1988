// Package chat orchestrates one streamed question/answer cycle against a
// document-grounded session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"pdftutor/internal/extract"
	"pdftutor/internal/models"
	"pdftutor/internal/prompt"
	"pdftutor/internal/storage"
	"pdftutor/pkg/log"
)

// Request-level failures, rejected before any event is emitted.
var (
	ErrQuestionRequired = errors.New("question is required")
	ErrDocumentRequired = errors.New("a document is required for a new chat")
	ErrExtraction       = errors.New("failed to read document")
)

// TokenStream yields generated text fragments in order. Recv returns
// io.EOF on normal completion; any other error is an upstream failure.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// TokenSource opens a token stream for an assembled prompt.
type TokenSource interface {
	Stream(ctx context.Context, messages []*schema.Message) (TokenStream, error)
}

// Event is one protocol event of the streamed response. Exactly one of
// Text/Error/EndOfStream is meaningful per event.
type Event struct {
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
	EndOfStream bool   `json:"end_of_stream,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
}

// EmitFunc forwards one event to the caller. A non-nil return means the
// caller is gone; the orchestrator stops forwarding but still commits.
type EmitFunc func(Event) error

// Request carries one inbound chat message. SessionID empty means "start a
// new conversation", which requires Document to be present.
type Request struct {
	OwnerID      int64
	SessionID    string
	Question     string
	Document     []byte
	DocumentName string
}

// Service coordinates session resolution, prompt assembly, stream
// forwarding and the single history commit per request.
type Service struct {
	store     storage.Store
	source    TokenSource
	extractor extract.Extractor
}

func NewService(store storage.Store, source TokenSource, extractor extract.Extractor) *Service {
	return &Service{store: store, source: source, extractor: extractor}
}

// HandleMessage runs one full request cycle. Errors returned here occurred
// before streaming started and no event has been emitted; once the first
// event is out, all failures are reported in-stream and the terminal event
// always closes the sequence.
func (s *Service) HandleMessage(ctx context.Context, req Request, emit EmitFunc) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return ErrQuestionRequired
	}

	session, err := s.resolveSession(ctx, req, question)
	if err != nil {
		return err
	}

	messages := prompt.Assemble(session.DocumentText, session.History, question)

	var answer strings.Builder
	var emitErr error

	stream, err := s.source.Stream(ctx, messages)
	if err != nil {
		// The session is already resolved, so the request still commits a
		// turn and terminates the protocol cleanly.
		emitErr = emit(Event{Error: err.Error()})
	} else {
		emitErr = s.forward(stream, &answer, emit)
	}

	// Commit with a fresh context: a caller disconnect must not drop the
	// turn that was already streamed.
	turn := models.Turn{
		UserText:      question,
		AssistantText: answer.String(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.AppendTurn(context.Background(), session.ID, turn); err != nil {
		log.Errorf("commit turn for session %s: %v", session.ID, err)
	}

	if emitErr == nil {
		_ = emit(Event{EndOfStream: true, ChatID: session.ID})
	}
	return nil
}

// forward drains the token stream, forwarding fragments in arrival order.
// It returns the first emit error, after which nothing more is forwarded;
// only fragments actually delivered are accumulated.
func (s *Service) forward(stream TokenStream, answer *strings.Builder, emit EmitFunc) error {
	defer stream.Close()
	for {
		fragment, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return emit(Event{Error: err.Error()})
			}
			return nil
		}
		if fragment == "" {
			continue
		}
		if err := emit(Event{Text: fragment}); err != nil {
			return err
		}
		answer.WriteString(fragment)
	}
}

func (s *Service) resolveSession(ctx context.Context, req Request, question string) (*models.ChatSession, error) {
	if req.SessionID != "" {
		return s.store.Get(ctx, req.SessionID, req.OwnerID)
	}

	if len(req.Document) == 0 {
		return nil, ErrDocumentRequired
	}
	text, err := s.extractor.ExtractText(ctx, req.Document, req.DocumentName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	now := time.Now().UTC()
	session := &models.ChatSession{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Title:        deriveTitle(question),
		DocumentText: text,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

const titleLimit = 40

// deriveTitle takes the first words of the opening question as the
// session label.
func deriveTitle(question string) string {
	if utf8.RuneCountInString(question) <= titleLimit {
		return question
	}
	runes := []rune(question)
	return string(runes[:titleLimit]) + "..."
}
