package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"runway/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Progress turns operation spans into live terminal output. Commands hand
// its Tracer to telemetry.EmitPlan and run their steps; interactive
// terminals get the checklist, everything else gets plain step lines.
type Progress struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

// NewProgress builds a Progress for the current terminal mode.
func NewProgress() *Progress {
	if IsInteractive() {
		checklist := NewChecklist()
		observer := newStepObserver(checklist.OnSnapshot)
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
		return &Progress{provider: provider, closeFn: checklist.Close}
	}

	line := newLineProgress()
	observer := newStepObserver(line.OnSnapshot)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &Progress{provider: provider, closeFn: func() {}}
}

func (p *Progress) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

func (p *Progress) Close() {
	if p == nil {
		return
	}
	if p.provider != nil {
		_ = p.provider.Shutdown(context.Background())
	}
	if p.closeFn != nil {
		p.closeFn()
	}
}

// lineProgress prints one line per step transition. It is the
// non-interactive fallback for CI logs and piped output.
type lineProgress struct {
	mu       sync.Mutex
	status   map[string]stepStatus
	messages map[string]string
}

func newLineProgress() *lineProgress {
	return &lineProgress{
		status:   make(map[string]stepStatus),
		messages: make(map[string]string),
	}
}

func (l *lineProgress) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}

		msg := strings.TrimSpace(step.Message)
		prevStatus, hasStatus := l.status[step.ID]
		if hasStatus && prevStatus == step.Status && l.messages[step.ID] == msg {
			continue
		}

		l.status[step.ID] = step.Status
		l.messages[step.ID] = msg
		fmt.Fprintln(os.Stderr, formatStepLine(step, msg))
	}
}

func formatStepLine(step stepState, msg string) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}

	indent := "  "
	if step.ParentID != "" {
		indent = "    "
	}

	title := strings.TrimSpace(step.Title)
	if title == "" {
		title = step.ID
	}
	if msg != "" {
		return fmt.Sprintf("%s%s %s (%s)", indent, prefix, title, msg)
	}
	return fmt.Sprintf("%s%s %s", indent, prefix, title)
}

// stepObserver tracks step states in plan order and reports a full
// snapshot after every change. Spans that were not part of the plan are
// appended as they appear.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		steps:    make(map[string]stepState),
		order:    make([]string, 0, 8),
		reporter: reporter,
	}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		stepID := strings.TrimSpace(planned.ID)
		if stepID == "" {
			continue
		}

		step, exists := o.steps[stepID]
		if !exists {
			o.order = append(o.order, stepID)
			step = stepState{ID: stepID, Status: stepPending}
		}
		step.ParentID = strings.TrimSpace(planned.ParentID)
		step.Title = strings.TrimSpace(planned.Title)
		if step.Title == "" {
			step.Title = stepID
		}
		o.steps[stepID] = step
	}

	o.emitLocked()
}

func (o *stepObserver) onStepStart(stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(stepID)
	step.Status = stepRunning
	step.Message = ""
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(stepID string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(stepID)
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	} else {
		step.Status = stepDone
		step.Message = ""
	}
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) ensureStepLocked(stepID string) stepState {
	stepID = strings.TrimSpace(stepID)
	if stepID == "" {
		stepID = "unnamed"
	}
	if step, exists := o.steps[stepID]; exists {
		return step
	}
	o.order = append(o.order, stepID)
	return stepState{ID: stepID, Title: stepID, Status: stepPending}
}

// emitLocked reports a snapshot in plan order. A planned parent that
// never gets a span of its own takes its status and a progress count
// from its children.
func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}

	childrenByParent := make(map[string][]stepState, len(o.steps))
	for _, step := range o.steps {
		if step.ParentID == "" {
			continue
		}
		childrenByParent[step.ParentID] = append(childrenByParent[step.ParentID], step)
	}

	steps := make([]stepState, 0, len(o.order))
	for _, stepID := range o.order {
		step, exists := o.steps[stepID]
		if !exists {
			continue
		}

		if children := childrenByParent[step.ID]; len(children) > 0 && step.Status == stepPending {
			step.Status = deriveParentStatus(children)
			if msg := summarizeChildren(children); msg != "" {
				step.Message = msg
			}
		}

		steps = append(steps, step)
	}
	o.reporter(stepSnapshot{Steps: steps})
}

func deriveParentStatus(children []stepState) stepStatus {
	hasRunning := false
	doneCount := 0
	for _, child := range children {
		switch child.Status {
		case stepFailed:
			return stepFailed
		case stepRunning:
			hasRunning = true
		case stepDone:
			doneCount++
		}
	}
	if doneCount == len(children) {
		return stepDone
	}
	if hasRunning || doneCount > 0 {
		return stepRunning
	}
	return stepPending
}

func summarizeChildren(children []stepState) string {
	doneCount := 0
	failedCount := 0
	for _, child := range children {
		switch child.Status {
		case stepDone:
			doneCount++
		case stepFailed:
			failedCount++
		}
	}
	if failedCount > 0 {
		return fmt.Sprintf("%d/%d done, %d failed", doneCount, len(children), failedCount)
	}
	if doneCount == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d done", doneCount, len(children))
}

// stepSpanProcessor feeds span lifecycle events into the observer. The
// root span carries the plan; child spans are the steps.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if p == nil || p.observer == nil {
		return
	}

	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(planJSON) == "" {
		return
	}

	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.observer == nil {
		return
	}
	if !span.Parent().IsValid() {
		return
	}

	status := span.Status()
	failed := status.Code == codes.Error
	message := strings.TrimSpace(status.Description)
	p.observer.onStepEnd(span.Name(), failed, message)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *stepSpanProcessor) ForceFlush(context.Context) error {
	return nil
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
