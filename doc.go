// Package toxrouter wires the envelope, ratchet, outbox, route, transport,
// socksclient, onionsupervisor, controller, netconfig, and friend packages
// into the per-send orchestration path: persist, pick a transport, send, and
// on failure escalate to the next fallback (spec §4/§9).
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r, err := toxrouter.New(toxrouter.Options{
//	    SelfDeviceID:       "device-a",
//	    OutboxSnapshotPath: "outbox.json",
//	    NetconfigPath:      "netconfig.json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r.OnMessage(func(convID string, plaintext []byte) {
//	    fmt.Printf("message on %s: %s\n", convID, plaintext)
//	})
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	r.RegisterConversation("conv-1", "device-b", ratchet.NewSymmetricChain(rootKey, true), route.PeerHints{})
//	msgID, err := r.SendMessage("conv-1", []byte("hi"))
package toxrouter
