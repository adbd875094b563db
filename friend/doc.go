// Package friend implements friend management for the Tox protocol, handling
// friend requests, friend list operations, and peer-to-peer relationship state.
//
// # Overview
//
// The friend package provides two primary components:
//
//   - Friend: Represents a friend's state including public key, name,
//     status message, online status, and connection status
//   - RequestManager: Thread-safe management of incoming friend requests with
//     callback support and duplicate detection
//
// # Friend
//
// Friend tracks the state of a friend relationship. SetName and
// SetStatusMessage store the value as given: they return nothing and apply
// no length limit.
//
//	f := friend.New(publicKey)
//	f.SetName("Alice")
//	f.SetStatusMessage("Available for chat")
//
//	status := f.GetStatus()           // StatusNone, StatusAway, StatusBusy, StatusOnline
//	connStatus := f.GetConnectionStatus() // ConnectionNone, ConnectionTCP, ConnectionUDP
//	lastSeenAgo := f.LastSeenDuration()   // Duration since friend was last seen
//
// # Friend Requests
//
// The Request type represents a friend request with encrypted transmission:
//
//	// Create an outgoing friend request
//	request, err := friend.NewRequest(recipientPublicKey, "Hi, let's connect!", senderSecretKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Encrypt for network transmission
//	packet, err := request.Encrypt(senderKeyPair, recipientPublicKey)
//	// Send packet over transport...
//
//	// Decrypt received friend request
//	received, err := friend.DecryptRequest(packet, recipientSecretKey)
//	fmt.Printf("Request from %x: %s\n", received.SenderPublicKey[:8], received.Message)
//
// # RequestManager
//
// RequestManager provides thread-safe friend request handling with callbacks:
//
//	manager := friend.NewRequestManager()
//
//	// Set handler for incoming requests
//	manager.SetHandler(func(request *friend.Request) bool {
//	    fmt.Printf("Friend request from %x: %s\n",
//	        request.SenderPublicKey[:8], request.Message)
//	    return true // Accept the request
//	})
//
//	// Process incoming request (typically called from packet handler)
//	manager.AddRequest(receivedRequest)
//
//	// Query pending requests
//	pending := manager.GetPendingRequests()
//
//	// Accept or reject by public key
//	manager.AcceptRequest(publicKey)
//	manager.RejectRequest(publicKey)
//
// # Deterministic Testing
//
// For reproducible test scenarios, use the TimeProvider variants:
//
//	type MockTimeProvider struct {
//	    currentTime time.Time
//	}
//
//	func (m *MockTimeProvider) Now() time.Time {
//	    return m.currentTime
//	}
//
//	mockTime := &MockTimeProvider{currentTime: time.Unix(1000000, 0)}
//	f := friend.NewWithTimeProvider(publicKey, mockTime)
//	request, _ := friend.NewRequestWithTimeProvider(pubKey, "Hello", secretKey, mockTime)
//
// # Thread Safety
//
// Friend methods are not thread-safe; callers must synchronize access.
// RequestManager uses sync.RWMutex internally and is safe for concurrent use.
//
// # Control frames and receipts
//
// Friend request/accept/decline and read-cursor frames ride the same
// delivery pipeline as ordinary messages. Their bodies are signed with the
// sender's identity key and validated against the friend's pinned identity
// key before any state change is applied:
//
//	frame, err := friend.NewControlFrame(friend.ControlRequest, senderKeyPair, "hi", "", nil)
//	data, err := frame.Marshal()
//	// ... deliver data opaquely through envelope/outbox ...
//	received, err := friend.UnmarshalControlFrame(data)
//	err = received.Verify(pinnedIdentityKey)
//
// A Health tracker records per-friend delivery outcomes so the scheduler can
// retry unsent request/response frames with the same backoff the outbox
// applies to ordinary messages, and a Friend missing a DeviceID reports
// DeviceUnreachable so the caller can stamp the record unreachable until
// routing hints update.
//
// # Integration
//
// This package is used by the router's delivery path for managing friend
// relationships. Friend requests are routed through the transport layer
// and processed via registered packet handlers. The Friend type mirrors
// the friend state tracked in the Tox protocol specification.
package friend
