package ibgw

// MessageType is an inbound or outbound message tag, carried on the
// wire as the decimal string in field 0 of a Frame.
type MessageType int

// Inbound message types (normative excerpt, §6). An implementation
// carries the full table; these are the entries the core's routing
// algorithm needs, covering every routing-class pattern.
const (
	InTickPrice          MessageType = 1
	InTickSize           MessageType = 2
	InOrderStatus        MessageType = 3
	InError              MessageType = 4
	InOpenOrder          MessageType = 5
	InNextValidID        MessageType = 9
	InContractData       MessageType = 10
	InExecutionData      MessageType = 11
	InManagedAccounts    MessageType = 15
	InHistoricalData     MessageType = 17
	InTickGeneric        MessageType = 45
	InTickString         MessageType = 46
	InCurrentTime        MessageType = 49
	InOpenOrderEnd       MessageType = 53
	InContractDataEnd    MessageType = 52
	InCommissionReport   MessageType = 59
	InSymbolSamples      MessageType = 79
)

// Outbound request types that the shared-channel table and the
// handshake refer to by name.
const (
	OutStartAPI               MessageType = 71
	OutRequestCurrentTime     MessageType = 49
	OutRequestPositions       MessageType = 61
	OutRequestManagedAccounts MessageType = 17
	OutRequestAllOpenOrders   MessageType = 16
	OutRequestAutoOpenOrders  MessageType = 15
	OutRequestIDs             MessageType = 8
	OutCancelMktData          MessageType = 2
)

// RoutingClass says how an inbound MessageType is demultiplexed.
type RoutingClass int

const (
	// RouteByRequestID looks up a recipient keyed on an int field of the
	// frame, given by FieldIndex below.
	RouteByRequestID RoutingClass = iota
	// RouteByOrderID looks up a recipient keyed on an int field of the
	// frame, falling through to shared delivery when no per-order
	// recipient is registered (§4.3 step 2, normative per §9).
	RouteByOrderID
	// RouteShared delivers a copy to every recipient registered for
	// this MessageType.
	RouteShared
)

// routeRule describes one inbound MessageType's dispatch behaviour.
type routeRule struct {
	class      RoutingClass
	fieldIndex int // field holding the request-id/order-id, when class requires one
	terminator bool
}

// routeTable is the single static dispatch configuration §4.3 and §6
// describe. It is built once and never mutated.
var routeTable = map[MessageType]routeRule{
	InError:            {class: RouteByRequestID, fieldIndex: 2},
	InContractData:     {class: RouteByRequestID, fieldIndex: 1},
	InContractDataEnd:  {class: RouteByRequestID, fieldIndex: 1, terminator: true},
	InOpenOrder:        {class: RouteByOrderID, fieldIndex: 1},
	InOrderStatus:      {class: RouteByOrderID, fieldIndex: 1},
	InExecutionData:    {class: RouteByRequestID, fieldIndex: 1},
	InCommissionReport: {class: RouteByOrderID, fieldIndex: 1},
	InOpenOrderEnd:     {class: RouteShared, terminator: true},
	InManagedAccounts:  {class: RouteShared},
	InNextValidID:      {class: RouteShared},
	InCurrentTime:      {class: RouteShared},
	InTickPrice:        {class: RouteByRequestID, fieldIndex: 1},
	InTickSize:         {class: RouteByRequestID, fieldIndex: 1},
	InTickGeneric:      {class: RouteByRequestID, fieldIndex: 1},
	InTickString:       {class: RouteByRequestID, fieldIndex: 1},
	InHistoricalData:   {class: RouteByRequestID, fieldIndex: 1, terminator: true},
	InSymbolSamples:    {class: RouteByRequestID, fieldIndex: 1, terminator: true},
}

// isTerminator reports whether an inbound frame of this type marks the
// end of a subscription's stream. The router itself does not act on
// this; §4.3 says only the subscription layer converts it to
// end-of-stream. It lives beside routeTable so the table stays the
// single source of truth for which types terminate; IdentityDecoder is
// its caller.
func isTerminator(t MessageType) bool {
	rule, ok := routeTable[t]
	return ok && rule.terminator
}

// sharedSubscriptions is the forward outbound-request -> inbound-types
// table (§9 "single source of truth for shared routing"). A reverse
// incoming->outgoing table is explicitly rejected by the spec because
// several outbound types feed the same inbound type (e.g. OpenOrder is
// produced for three distinct request types) and a reverse map cannot
// represent that fan-in.
var sharedSubscriptions = map[MessageType][]MessageType{
	OutRequestCurrentTime:     {InCurrentTime},
	OutRequestManagedAccounts: {InManagedAccounts},
	OutRequestIDs:             {InNextValidID},
	OutRequestAllOpenOrders:   {InOpenOrder, InOrderStatus, InOpenOrderEnd},
	OutRequestAutoOpenOrders:  {InOpenOrder, InOrderStatus, InExecutionData, InCommissionReport},
	OutRequestPositions:       {InOpenOrder, InOrderStatus},
}

// errorWarningLow and errorWarningHigh bound the TWS warning code
// range (§4.3, §7): codes in [2100, 2169] are log-only by default and
// are never delivered to a subscriber.
const (
	errorWarningLow  = 2100
	errorWarningHigh = 2169
)
