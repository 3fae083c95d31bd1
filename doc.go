// Package hammerhead provides a URL-rewriting proxy for browser testing.
// Clients never configure it as a system proxy. Instead they load pages
// through proxy URLs, and every URL inside a proxied HTML, CSS or script
// response is rewritten so that it points back at the proxy.
//
// # Proxy URLs
//
// A proxy URL carries a session ID, optional resource flags and an optional
// credentials mode ahead of the destination:
//
//	http://localhost:1337/run-42!i!/https://example.com/frame.html
//
// See package proxyurl for the format and the [proxyurl.Codec] that
// builds and parses them.
//
// # Basic Proxy
//
//	codec := &proxyurl.Codec{Protocol: "http", Hostname: "localhost", Port: 1337, CrossDomainPort: 1338}
//	sessions := hammerhead.NewSessionRegistry()
//
//	proxy := hammerhead.NewProxy(codec, sessions)
//	log.Fatal(proxy.ListenAndServe())
//
// # Sessions
//
// Every proxied request belongs to an open session. A session owns its
// cookie jar, its destination credentials, injected scripts, request
// filter rules and mocks:
//
//	s, err := sessions.Open("run-42", hammerhead.SessionConfig{
//	    InjectedScripts: []string{"/hammerhead/driver.js"},
//	})
//	s.AddMock("https://api.example.com/users", &hammerhead.MockResponse{
//	    StatusCode:  200,
//	    ContentType: "application/json",
//	    Body:        `[]`,
//	})
//
// Closing a session discards its cookies, and requests for it are answered
// with an error page.
//
// # Request Filter Rules
//
// Global rules apply to every session after the session's own rules. They
// can be loaded from CSV files, HTTP endpoints, domain lists and static
// configuration, and are reloaded periodically or on SIGHUP:
//
//	filter := hammerhead.NewReloadableFilter(hammerhead.NewMultiLoader(
//	    hammerhead.NewCSVLoader("rules.csv"),
//	    hammerhead.NewStaticLoader(hammerhead.RequestFilterRule{
//	        Type:       "domain",
//	        Pattern:    "*.example.com",
//	        SetHeaders: map[string]string{"X-Test-Run": "42"},
//	    }),
//	))
//	filter.Load(ctx)
//	proxy.Filter = filter
//
// # Hooks
//
// [RequestHook] and [ResponseHook] run around every destination fetch. A
// request hook may answer the request itself; a response hook may replace
// the response before it is rewritten.
//
// # Admin API
//
// The admin API under /hammerhead/api manages sessions, rules and mocks
// and encodes proxy URLs. Set [AdminAPI.Tokens] to require a bearer token.
//
//	proxy.Admin = hammerhead.NewAdminAPI(proxy)
//	proxy.Admin.Tokens = hammerhead.NewAdminTokens(os.Getenv("ADMIN_TOKEN"))
//
// # HTTPS Listeners
//
// With protocol "https" the listeners present a certificate from a
// [CertRotator], which reloads the CA or fixed certificate when the files
// change. [ClientAuth] restricts the listeners to clients with a
// certificate from a given CA.
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (HAMMERHEAD_ prefix):
//
//	cfg, err := hammerhead.LoadConfig("hammerhead.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tp, err := cfg.BuildTransportPool()
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := proxy.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package hammerhead
