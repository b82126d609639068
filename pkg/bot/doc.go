// Package bot runs the Fletch buildbot pipeline and can be embedded into
// other Go applications.
//
// # Overview
//
// The builder name selects one of three pipelines:
//
//	fletch-<os>[-<debug|release|asan>-x86]  build and test on this host
//	cross-fletch-linux-arm                  build for arm and publish an archive
//	target-fletch-linux-<mode>-arm          fetch the archive and test on the device
//
// Every test run talks to a freshly started Fletch daemon whose output is
// collected in .debug.log. The log is audited for undiagnosed crashes at
// the end of every invocation.
//
// # Basic Usage
//
//	cfg, err := config.Load("fletchbot.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	b, err := bot.New(bot.Options{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	res, err := b.Run(ctx)
//	if err != nil {
//		os.Exit(bot.ExitCode(err))
//	}
//	fmt.Println("success:", res.Success)
//
// # Status API
//
// Set status.addr to serve the step records over HTTP while the pipeline
// runs, or mount the handler into an existing server:
//
//	http.Handle("/fletch/", http.StripPrefix("/fletch", b.StatusHandler()))
package bot
