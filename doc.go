// Package groundedsync is a realtime synchronization engine for shared
// grounded-theory workspaces: documents, codes, categories, memos and a
// theory narrative, replicated between peers through a CRDT so that any
// set of collaborators converges on the same state without a central
// arbiter.
//
// The engine runs in one of two static topologies. With a server URL it
// exchanges updates over a pooled websocket connection; without one,
// same-device tabs form a broadcast group on a local bus, with a
// lease-based leader responsible for seeding joiners.
//
// # Basic Usage
//
// Open an engine for a workspace and start it:
//
//	cfg := groundedsync.DefaultConfig("w1")
//	cfg.SnapshotPath = "snapshots.db"
//	cfg.CoordStorePath = "coord.db"
//	engine, err := groundedsync.OpenEngine(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	docID, _ := engine.AddDocument("Interview 1")
//	_, _ = engine.AddCode("Risk", "#fde2e2", "#7f1d1d", "#ef4444")
//	_ = engine.RenameDocument(docID, "Interview 1 (coded)")
package groundedsync
