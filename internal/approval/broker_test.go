package approval_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeloop/internal/approval"
	"forgeloop/internal/message"
	"forgeloop/internal/store"
)

type fakeLookup struct {
	stores map[string]*message.Store
}

func (l *fakeLookup) MessageStore(processID string) (*message.Store, bool) {
	st, ok := l.stores[processID]
	return st, ok
}

// setupProcess builds project -> task -> workspace -> session -> process so
// TaskIDForProcess's join chain resolves, then seeds a pending tool_use
// entry matching toolCallID in the process's message store.
func setupProcess(ctx context.Context, db *store.DB, lookup *fakeLookup, toolCallID string) (processID, taskID string) {
	project, err := db.CreateProject(ctx, "proj")
	Expect(err).NotTo(HaveOccurred())
	task, err := db.CreateTask(ctx, &store.Task{ProjectID: project.ID, Title: "t", Status: store.TaskInProgress})
	Expect(err).NotTo(HaveOccurred())
	ws, err := db.CreateWorkspace(ctx, &store.Workspace{TaskID: task.ID, Branch: "b"})
	Expect(err).NotTo(HaveOccurred())
	session, err := db.CreateSession(ctx, ws.ID)
	Expect(err).NotTo(HaveOccurred())
	proc, err := db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID:      session.ID,
		RunReason:      store.RunCodingAgent,
		ExecutorAction: []byte(`{}`),
		Status:         store.ProcessRunning,
	})
	Expect(err).NotTo(HaveOccurred())

	st := message.New(proc.ID, nil)
	st.Add(message.NormalizedEntry{Type: message.EntryToolUse, ToolCallID: toolCallID})
	lookup.stores[proc.ID] = st

	return proc.ID, task.ID
}

var _ = Describe("Broker", func() {
	var (
		ctx    context.Context
		db     *store.DB
		lookup *fakeLookup
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.Open(ctx, ":memory:")
		Expect(err).NotTo(HaveOccurred())
		lookup = &fakeLookup{stores: map[string]*message.Store{}}
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("patches the matching tool_use entry to pending_approval and transitions the task to inreview", func() {
		b := approval.NewBroker(db, lookup, time.Minute)
		processID, taskID := setupProcess(ctx, db, lookup, "call-1")

		approvalID, waiter, err := b.Request(ctx, processID, "call-1", "run_shell")
		Expect(err).NotTo(HaveOccurred())
		Expect(approvalID).NotTo(BeEmpty())

		st, _ := lookup.MessageStore(processID)
		snap := st.Snapshot()
		Expect(snap[0].ToolStatus.State).To(Equal("pending_approval"))

		task, err := db.GetTask(ctx, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(store.TaskInReview))

		Expect(b.Respond(ctx, approvalID, true, "")).To(Succeed())
		Expect(<-waiter).To(Equal(approval.StatusApproved))

		task, err = db.GetTask(ctx, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(store.TaskInProgress))
	})

	It("rejects a second response to an already-completed approval", func() {
		b := approval.NewBroker(db, lookup, time.Minute)
		processID, _ := setupProcess(ctx, db, lookup, "call-2")

		approvalID, _, err := b.Request(ctx, processID, "call-2", "run_shell")
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Respond(ctx, approvalID, false, "no")).To(Succeed())
		err = b.Respond(ctx, approvalID, true, "")
		Expect(err).To(MatchError(approval.ErrAlreadyCompleted))
	})

	It("returns ErrUnknown for an id that was never requested", func() {
		b := approval.NewBroker(db, lookup, time.Minute)
		err := b.Respond(ctx, "never-requested", true, "")
		Expect(err).To(MatchError(approval.ErrUnknown))
	})

	It("returns ErrNoMatchingEntry when the tool call has no pending tool_use entry", func() {
		b := approval.NewBroker(db, lookup, time.Minute)
		processID, _ := setupProcess(ctx, db, lookup, "call-3")

		_, _, err := b.Request(ctx, processID, "call-does-not-exist", "run_shell")
		Expect(err).To(MatchError(approval.ErrNoMatchingEntry))
	})

	It("times out and reports PendingFor correctly before and after", func() {
		b := approval.NewBroker(db, lookup, 20*time.Millisecond)
		processID, _ := setupProcess(ctx, db, lookup, "call-4")

		_, waiter, err := b.Request(ctx, processID, "call-4", "run_shell")
		Expect(err).NotTo(HaveOccurred())

		Expect(b.PendingFor([]string{processID})).To(HaveKey(processID))

		Eventually(waiter, time.Second).Should(Receive(Equal(approval.StatusTimedOut)))
		Eventually(func() map[string]bool {
			return b.PendingFor([]string{processID})
		}, time.Second).ShouldNot(HaveKey(processID))
	})

	It("cancels a pending approval", func() {
		b := approval.NewBroker(db, lookup, time.Minute)
		processID, _ := setupProcess(ctx, db, lookup, "call-5")

		approvalID, waiter, err := b.Request(ctx, processID, "call-5", "run_shell")
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Cancel(approvalID)).To(Succeed())
		Expect(<-waiter).To(Equal(approval.StatusCancelled))
	})
})
