package terminal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/postalsys/muti-shell/internal/protocol"
)

// inlineQuestion is a question being answered on the prompt line.
type inlineQuestion struct {
	q      protocol.Question
	answer editor
	done   chan string
}

func (t *Terminal) askInline(ctx context.Context, q protocol.Question) (string, error) {
	iq := &inlineQuestion{q: q, done: make(chan string, 1)}

	t.mu.Lock()
	if t.question != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("question %q is already open", t.question.q.Name)
	}
	t.clearLocked()
	if q.Type == protocol.QuestionList {
		for i, c := range q.Choices {
			t.writeLocked(fmt.Sprintf("  %d) %s\n", i+1, c))
		}
	}
	t.question = iq
	t.drawQuestionLocked(iq)
	t.mu.Unlock()

	select {
	case raw := <-iq.done:
		return resolveAnswer(q, raw), nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.question == iq {
			t.question = nil
			t.writeLocked("\n")
			t.drawn = false
			t.redrawLocked()
		}
		t.mu.Unlock()
		return "", ctx.Err()
	}
}

func (t *Terminal) answerKeyLocked(iq *inlineQuestion, k Key) {
	switch k.Name {
	case KeyEnter:
		t.question = nil
		t.writeLocked("\n")
		t.drawn = false
		iq.done <- iq.answer.String()
		t.redrawLocked()
	case KeyCtrlC:
		iq.answer.take()
		t.drawQuestionLocked(iq)
	default:
		if iq.answer.apply(k) {
			t.drawQuestionLocked(iq)
		}
	}
}

func (t *Terminal) drawQuestionLocked(iq *inlineQuestion) {
	shown := iq.answer.String()
	if iq.q.Type == protocol.QuestionPassword {
		shown = strings.Repeat("*", len(iq.answer.buf))
	}
	t.writeLocked("\r\x1b[K" + questionLabel(iq.q) + shown)
	if n := iq.answer.tail(); n > 0 {
		t.writeLocked(fmt.Sprintf("\x1b[%dD", n))
	}
	t.drawn = true
}

// questionLabel is the text shown before the answer.
func questionLabel(q protocol.Question) string {
	msg := q.Message
	if msg == "" {
		msg = q.Name
	}
	msg = strings.TrimRight(msg, " ")

	switch q.Type {
	case protocol.QuestionConfirm:
		if isTrue(q.Default) {
			return msg + " (Y/n) "
		}
		return msg + " (y/N) "
	default:
		if q.Default != "" && q.Type != protocol.QuestionPassword {
			return msg + " [" + q.Default + "] "
		}
		return msg + " "
	}
}

// resolveAnswer maps typed text to the answer value: confirm answers become
// "true" or "false", list answers may be given by number.
func resolveAnswer(q protocol.Question, raw string) string {
	raw = strings.TrimSpace(raw)
	if q.Type == protocol.QuestionPassword {
		return raw
	}
	if raw == "" {
		raw = q.Default
	}

	switch q.Type {
	case protocol.QuestionConfirm:
		return strconv.FormatBool(isTrue(raw))
	case protocol.QuestionList:
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= len(q.Choices) {
			return q.Choices[n-1]
		}
		for _, c := range q.Choices {
			if strings.EqualFold(c, raw) {
				return c
			}
		}
	}
	return raw
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1":
		return true
	}
	return false
}

// askForm answers q with a huh form. Used before Run owns the input.
func (t *Terminal) askForm(q protocol.Question) (string, error) {
	title := strings.TrimRight(q.Message, " :")
	if title == "" {
		title = q.Name
	}

	var field huh.Field
	var value string
	var confirmed bool

	switch q.Type {
	case protocol.QuestionConfirm:
		confirmed = isTrue(q.Default)
		field = huh.NewConfirm().Title(title).Value(&confirmed)
	case protocol.QuestionList:
		value = q.Default
		field = huh.NewSelect[string]().
			Title(title).
			Options(huh.NewOptions(q.Choices...)...).
			Value(&value)
	case protocol.QuestionPassword:
		field = huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	default:
		value = q.Default
		field = huh.NewInput().Title(title).Value(&value)
	}

	if err := huh.NewForm(huh.NewGroup(field)).WithTheme(huh.ThemeDracula()).Run(); err != nil {
		return "", err
	}
	if q.Type == protocol.QuestionConfirm {
		return strconv.FormatBool(confirmed), nil
	}
	return value, nil
}
