package protocol

// ClientMessage is the sum of messages the client sends to the server.
type ClientMessage interface {
	clientMessage()
}

// CallReducer invokes a named server-side reducer.
type CallReducer struct {
	Reducer   string
	Args      string // JSON-encoded argument payload
	RequestID uint32
}

// Subscribe registers a standing query set with the server.
type Subscribe struct {
	QueryStrings []string
	RequestID    uint32
}

func (CallReducer) clientMessage() {}
func (Subscribe) clientMessage()   {}

// ServerMessage is the sum of messages the server pushes. Exactly one
// concrete type exists per wire message kind, decided once at decode time.
type ServerMessage interface {
	serverMessage()
}

// IdentityToken carries the identity and token issued for this connection.
type IdentityToken struct {
	Identity     string
	Token        string
	ConnectionID string
}

// InitialSubscription is the full contents of every subscribed table at
// subscription time.
type InitialSubscription struct {
	RequestID uint32
	Tables    []TableUpdate
}

// TransactionUpdate is an incremental change to one or more tables.
type TransactionUpdate struct {
	Tables []TableUpdate
}

// CallResult resolves an outstanding reducer call by request id. Err is
// empty on success.
type CallResult struct {
	RequestID uint32
	Err       string
}

func (IdentityToken) serverMessage()       {}
func (InitialSubscription) serverMessage() {}
func (TransactionUpdate) serverMessage()   {}
func (CallResult) serverMessage()          {}

// TableUpdate names a table and carries its update operations. A single
// update holds zero or more operations, each with its own insert and
// delete lists.
type TableUpdate struct {
	TableName string
	Updates   []QueryUpdate
}

// QueryUpdate is one update operation. Rows are string-encoded documents
// that require a secondary decode before use.
type QueryUpdate struct {
	Deletes []string
	Inserts []string
}
