// Package lra exposes the Go APIs behind the long running action
// coordinator: a single-binary saga coordinator that hands out LRA ids,
// enlists participants and drives them to complete or compensate, with a
// durable transaction log and a background recovery loop for participants
// that could not be reached.
//
// # Running a server
//
// The server listens on `Config.Listen` and mounts the REST API under
// `Config.BasePath` (default "/lra-coordinator"). The transaction log lives in
// the object store named by `Config.Store`.
//
//	cfg := lra.Config{
//	    Store:            "disk:///var/lib/lra",
//	    Listen:           ":8080",
//	    BaseURL:          "http://coordinator.internal:8080/lra-coordinator",
//	    RecoveryInterval: 10 * time.Second,
//	}
//	srv, err := lra.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lra: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// When `BaseURL` is empty the coordinator derives the id namespace from each
// start request (scheme, Host and the base path), which suits single-host
// deployments. Set it explicitly behind proxies so ids stay stable.
//
// # Stores
//
//   - mem:// keeps the log in memory (tests, demos).
//   - disk:///path writes one JSON object per action with fcntl-guarded CAS.
//   - s3://host[:port]/bucket[/prefix] targets S3-compatible services via MinIO.
//   - aws://bucket[/prefix]?region=eu-north-1 uses the AWS SDK.
//   - azure://account/container[/prefix] uses Azure Blob Storage.
//
// Records can be sealed with kryptograf envelope encryption by enabling
// `Config.StorageEncryption` and pointing `Config.KeyBundlePath` at a PEM
// bundle; a missing bundle is created on first start.
//
// # Embedding
//
// `StartServer` starts the server in the background and returns a stop
// function, convenient in tests:
//
//	srv, stop, err := lra.StartServer(ctx, lra.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	if err != nil { t.Fatal(err) }
//	defer stop(context.Background())
//	base := "http://" + srv.ListenerAddr().String() + "/lra-coordinator"
package lra
