/*
Package memstore is an in-memory store.Store. It backs the test suites and
small single-process deployments.

Transactions are serializable: Tx takes the write lock, runs the callback
against a copy of the state and swaps the copy in only if the callback
succeeds. Copying is proportional to the number of rows, which is fine for
heaps of the size the heap keeper is meant for.
*/
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/utils"
	"github.com/google/uuid"
)

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ store.Store = &Store{}

func New() *Store {
	return NewWithClock(time.Now)
}

// The clock stamps message creation and user join dates.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		state: newState(),
		now:   now,
	}
}

func (s *Store) Tx(ctx context.Context, f func(tx store.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	err = runTx(f, &tx{st: work, now: s.now})
	if err == nil {
		s.state = work
	}
	return err
}

func runTx(f func(tx store.Tx) error, t *tx) (err error) {
	defer utils.RecoverPanicAsError(&err)
	return f(t)
}

type state struct {
	messages     map[models.MessageID]*models.Message
	messageOrder []models.MessageID
	versions     map[models.MessageID][]*models.MessageVersion
	// parent -> messages whose latest version points at it
	children map[models.MessageID]map[models.MessageID]struct{}
	reads    map[models.MessageID]map[int]struct{}

	conversations map[int]*models.Conversation
	labels        map[string]*models.Label
	heaps         map[int]*models.Heap
	rights        map[int]*models.UserRight
	users         map[int]*models.User

	lastVersionID      int
	lastConversationID int
	lastHeapID         int
	lastRightID        int
	lastUserID         int
}

func newState() *state {
	return &state{
		messages:      make(map[models.MessageID]*models.Message),
		versions:      make(map[models.MessageID][]*models.MessageVersion),
		children:      make(map[models.MessageID]map[models.MessageID]struct{}),
		reads:         make(map[models.MessageID]map[int]struct{}),
		conversations: make(map[int]*models.Conversation),
		labels:        make(map[string]*models.Label),
		heaps:         make(map[int]*models.Heap),
		rights:        make(map[int]*models.UserRight),
		users:         make(map[int]*models.User),
	}
}

// Rows are never modified in place once stored (updates replace the
// pointer), so copying the maps is enough. Nested sets are copied too.
func (s *state) clone() *state {
	c := *s
	c.messages = copyMap(s.messages)
	c.messageOrder = append([]models.MessageID(nil), s.messageOrder...)
	c.versions = make(map[models.MessageID][]*models.MessageVersion, len(s.versions))
	for id, vs := range s.versions {
		c.versions[id] = append([]*models.MessageVersion(nil), vs...)
	}
	c.children = make(map[models.MessageID]map[models.MessageID]struct{}, len(s.children))
	for id, set := range s.children {
		c.children[id] = copyMap(set)
	}
	c.reads = make(map[models.MessageID]map[int]struct{}, len(s.reads))
	for id, set := range s.reads {
		c.reads[id] = copyMap(set)
	}
	c.conversations = copyMap(s.conversations)
	c.labels = copyMap(s.labels)
	c.heaps = copyMap(s.heaps)
	c.rights = copyMap(s.rights)
	c.users = copyMap(s.users)
	return &c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	result := make(map[K]V, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

type tx struct {
	st  *state
	now func() time.Time
}

var _ store.Tx = &tx{}

// Messages

func (t *tx) CreateMessage(ctx context.Context, mailID *string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.New(),
		CreatedAt: t.now(),
	}
	if mailID != nil {
		id := *mailID
		msg.MailID = &id
	}
	t.st.messages[msg.ID] = msg
	t.st.messageOrder = append(t.st.messageOrder, msg.ID)
	return copyMessage(msg), nil
}

func (t *tx) GetMessage(ctx context.Context, id models.MessageID) (*models.Message, error) {
	msg, ok := t.st.messages[id]
	if !ok {
		return nil, oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	return copyMessage(msg), nil
}

func (t *tx) ListMessages(ctx context.Context) ([]*models.Message, error) {
	result := make([]*models.Message, 0, len(t.st.messageOrder))
	for _, id := range t.st.messageOrder {
		result = append(result, copyMessage(t.st.messages[id]))
	}
	return result, nil
}

func (t *tx) SetDeletedFrom(ctx context.Context, id models.MessageID, heapID int) error {
	msg, ok := t.st.messages[id]
	if !ok {
		return oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	if _, ok := t.st.heaps[heapID]; !ok {
		return oops.New(oops.ErrNotFound, "heap %d does not exist", heapID)
	}
	updated := copyMessage(msg)
	updated.DeletedFrom = &heapID
	t.st.messages[id] = updated
	return nil
}

func (t *tx) FindMessagesByMailID(ctx context.Context, mailID string) ([]*models.Message, error) {
	var result []*models.Message
	for _, id := range t.st.messageOrder {
		msg := t.st.messages[id]
		if msg.MailID != nil && *msg.MailID == mailID {
			result = append(result, copyMessage(msg))
		}
	}
	return result, nil
}

func (t *tx) InsertVersion(ctx context.Context, v *models.MessageVersion) error {
	if _, ok := t.st.messages[v.MessageID]; !ok {
		return oops.New(oops.ErrNotFound, "cannot add a version to missing message %s", v.MessageID)
	}

	before := models.LatestOf(t.st.versions[v.MessageID])

	t.st.lastVersionID++
	v.ID = t.st.lastVersionID
	t.st.versions[v.MessageID] = append(t.st.versions[v.MessageID], v.Clone())

	after := models.LatestOf(t.st.versions[v.MessageID])
	if before != nil && before.ParentID != nil {
		delete(t.st.children[*before.ParentID], v.MessageID)
	}
	if after.ParentID != nil {
		set, ok := t.st.children[*after.ParentID]
		if !ok {
			set = make(map[models.MessageID]struct{})
			t.st.children[*after.ParentID] = set
		}
		set[v.MessageID] = struct{}{}
	}
	return nil
}

func (t *tx) ListVersions(ctx context.Context, id models.MessageID) ([]*models.MessageVersion, error) {
	if _, ok := t.st.messages[id]; !ok {
		return nil, oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	versions := t.st.versions[id]
	result := make([]*models.MessageVersion, len(versions))
	for i, v := range versions {
		result[i] = v.Clone()
	}
	return result, nil
}

func (t *tx) LatestVersion(ctx context.Context, id models.MessageID) (*models.MessageVersion, error) {
	if _, ok := t.st.messages[id]; !ok {
		return nil, oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	latest := models.LatestOf(t.st.versions[id])
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (t *tx) ChildrenOf(ctx context.Context, parent models.MessageID) ([]models.MessageID, error) {
	set := t.st.children[parent]
	result := make([]models.MessageID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := t.st.messages[result[i]], t.st.messages[result[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return result, nil
}

func (t *tx) MarkRead(ctx context.Context, id models.MessageID, userID int) error {
	if _, ok := t.st.messages[id]; !ok {
		return oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	if _, ok := t.st.users[userID]; !ok {
		return oops.New(oops.ErrNotFound, "user %d does not exist", userID)
	}
	set, ok := t.st.reads[id]
	if !ok {
		set = make(map[int]struct{})
		t.st.reads[id] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (t *tx) HasRead(ctx context.Context, id models.MessageID, userID int) (bool, error) {
	_, ok := t.st.reads[id][userID]
	return ok, nil
}

// Conversations

func (t *tx) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if _, ok := t.st.messages[c.RootID]; !ok {
		return oops.New(oops.ErrNotFound, "conversation root %s does not exist", c.RootID)
	}
	if _, ok := t.st.heaps[c.HeapID]; !ok {
		return oops.New(oops.ErrNotFound, "heap %d does not exist", c.HeapID)
	}
	t.st.lastConversationID++
	c.ID = t.st.lastConversationID
	t.st.conversations[c.ID] = copyConversation(c)
	return nil
}

func (t *tx) GetConversation(ctx context.Context, id int) (*models.Conversation, error) {
	c, ok := t.st.conversations[id]
	if !ok {
		return nil, oops.New(oops.ErrNotFound, "conversation %d does not exist", id)
	}
	return copyConversation(c), nil
}

func (t *tx) ConversationsByRoot(ctx context.Context, root models.MessageID) ([]*models.Conversation, error) {
	var result []*models.Conversation
	for _, c := range t.sortedConversations() {
		if c.RootID == root {
			result = append(result, copyConversation(c))
		}
	}
	return result, nil
}

func (t *tx) ListConversations(ctx context.Context, heapID *int) ([]*models.Conversation, error) {
	var result []*models.Conversation
	for _, c := range t.sortedConversations() {
		if heapID == nil || c.HeapID == *heapID {
			result = append(result, copyConversation(c))
		}
	}
	return result, nil
}

func (t *tx) sortedConversations() []*models.Conversation {
	result := make([]*models.Conversation, 0, len(t.st.conversations))
	for _, c := range t.st.conversations {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (t *tx) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	existing, ok := t.st.conversations[c.ID]
	if !ok {
		return oops.New(oops.ErrNotFound, "conversation %d does not exist", c.ID)
	}
	updated := copyConversation(existing)
	updated.Subject = c.Subject
	updated.Labels = append([]string(nil), c.Labels...)
	t.st.conversations[c.ID] = updated
	return nil
}

func (t *tx) DeleteConversation(ctx context.Context, id int) error {
	if _, ok := t.st.conversations[id]; !ok {
		return oops.New(oops.ErrNotFound, "conversation %d does not exist", id)
	}
	delete(t.st.conversations, id)
	return nil
}

// Labels

func (t *tx) GetLabel(ctx context.Context, text string) (*models.Label, error) {
	l, ok := t.st.labels[text]
	if !ok {
		return nil, oops.New(oops.ErrNotFound, "label %q does not exist", text)
	}
	copied := *l
	return &copied, nil
}

func (t *tx) CreateLabel(ctx context.Context, l *models.Label) error {
	if _, ok := t.st.labels[l.Text]; ok {
		return oops.New(oops.ErrIntegrityConflict, "label %q already exists", l.Text)
	}
	copied := *l
	t.st.labels[l.Text] = &copied
	return nil
}

func (t *tx) DeleteLabel(ctx context.Context, text string) error {
	if _, ok := t.st.labels[text]; !ok {
		return oops.New(oops.ErrNotFound, "label %q does not exist", text)
	}
	delete(t.st.labels, text)
	return nil
}

func (t *tx) ListLabels(ctx context.Context) ([]*models.Label, error) {
	result := make([]*models.Label, 0, len(t.st.labels))
	for _, l := range t.st.labels {
		copied := *l
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Text < result[j].Text })
	return result, nil
}

func (t *tx) CountLabelReferences(ctx context.Context, text string) (int, error) {
	count := 0
	for _, c := range t.st.conversations {
		if containsString(c.Labels, text) {
			count++
		}
	}
	for _, versions := range t.st.versions {
		latest := models.LatestOf(versions)
		if latest != nil && containsString(latest.Labels, text) {
			count++
		}
	}
	return count, nil
}

// Heaps and rights

func (t *tx) CreateHeap(ctx context.Context, h *models.Heap) error {
	for _, existing := range t.st.heaps {
		if existing.ShortName == h.ShortName {
			return oops.New(oops.ErrIntegrityConflict, "a heap named %q already exists", h.ShortName)
		}
	}
	t.st.lastHeapID++
	h.ID = t.st.lastHeapID
	copied := *h
	t.st.heaps[h.ID] = &copied
	return nil
}

func (t *tx) GetHeap(ctx context.Context, id int) (*models.Heap, error) {
	h, ok := t.st.heaps[id]
	if !ok {
		return nil, oops.New(oops.ErrNotFound, "heap %d does not exist", id)
	}
	copied := *h
	return &copied, nil
}

func (t *tx) GetHeapByShortName(ctx context.Context, shortName string) (*models.Heap, error) {
	for _, h := range t.st.heaps {
		if h.ShortName == shortName {
			copied := *h
			return &copied, nil
		}
	}
	return nil, oops.New(oops.ErrNotFound, "no heap named %q", shortName)
}

func (t *tx) ListHeaps(ctx context.Context) ([]*models.Heap, error) {
	result := make([]*models.Heap, 0, len(t.st.heaps))
	for _, h := range t.st.heaps {
		copied := *h
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *tx) UpsertUserRight(ctx context.Context, r *models.UserRight) error {
	if _, ok := t.st.users[r.UserID]; !ok {
		return oops.New(oops.ErrNotFound, "user %d does not exist", r.UserID)
	}
	if _, ok := t.st.heaps[r.HeapID]; !ok {
		return oops.New(oops.ErrNotFound, "heap %d does not exist", r.HeapID)
	}
	for id, existing := range t.st.rights {
		if existing.UserID == r.UserID && existing.HeapID == r.HeapID {
			r.ID = id
			copied := *r
			t.st.rights[id] = &copied
			return nil
		}
	}
	t.st.lastRightID++
	r.ID = t.st.lastRightID
	copied := *r
	t.st.rights[r.ID] = &copied
	return nil
}

func (t *tx) ListUserRights(ctx context.Context, userID, heapID int) ([]*models.UserRight, error) {
	return t.filterRights(func(r *models.UserRight) bool {
		return r.UserID == userID && r.HeapID == heapID
	}), nil
}

func (t *tx) ListHeapRights(ctx context.Context, heapID int) ([]*models.UserRight, error) {
	return t.filterRights(func(r *models.UserRight) bool {
		return r.HeapID == heapID
	}), nil
}

func (t *tx) filterRights(keep func(r *models.UserRight) bool) []*models.UserRight {
	var result []*models.UserRight
	for _, r := range t.st.rights {
		if keep(r) {
			copied := *r
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (t *tx) DeleteUserRights(ctx context.Context, userID, heapID int) error {
	for id, r := range t.st.rights {
		if r.UserID == userID && r.HeapID == heapID {
			delete(t.st.rights, id)
		}
	}
	return nil
}

// Users

func (t *tx) CreateUser(ctx context.Context, u *models.User) error {
	for _, existing := range t.st.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return oops.New(oops.ErrIntegrityConflict, "username %q is taken", u.Username)
		}
	}
	t.st.lastUserID++
	u.ID = t.st.lastUserID
	if u.DateJoined.IsZero() {
		u.DateJoined = t.now()
	}
	copied := *u
	t.st.users[u.ID] = &copied
	return nil
}

func (t *tx) GetUser(ctx context.Context, id int) (*models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, oops.New(oops.ErrNotFound, "user %d does not exist", id)
	}
	copied := *u
	return &copied, nil
}

func (t *tx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	for _, u := range t.st.users {
		if strings.EqualFold(u.Username, username) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, oops.New(oops.ErrNotFound, "no user named %q", username)
}

func (t *tx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range t.sortedUsers() {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, oops.New(oops.ErrNotFound, "no user with email %q", email)
}

func (t *tx) ListUsers(ctx context.Context) ([]*models.User, error) {
	var result []*models.User
	for _, u := range t.sortedUsers() {
		copied := *u
		result = append(result, &copied)
	}
	return result, nil
}

func (t *tx) sortedUsers() []*models.User {
	result := make([]*models.User, 0, len(t.st.users))
	for _, u := range t.st.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (t *tx) UpdatePassword(ctx context.Context, userID int, password string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return oops.New(oops.ErrNotFound, "user %d does not exist", userID)
	}
	copied := *u
	copied.Password = password
	t.st.users[userID] = &copied
	return nil
}

func copyMessage(m *models.Message) *models.Message {
	copied := *m
	if m.MailID != nil {
		id := *m.MailID
		copied.MailID = &id
	}
	if m.DeletedFrom != nil {
		heapID := *m.DeletedFrom
		copied.DeletedFrom = &heapID
	}
	return &copied
}

func copyConversation(c *models.Conversation) *models.Conversation {
	copied := *c
	copied.Labels = append([]string(nil), c.Labels...)
	return &copied
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
