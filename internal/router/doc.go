// Package router provides the gateway's route table.
//
// Routes pair a path prefix with a backend base URL. The table is
// built once from configuration and is immutable afterwards, so
// lookups need no locking. Matching selects the route with the
// longest prefix that covers the request path on whole segment
// boundaries; equal-length prefixes resolve by configuration order.
//
// # Usage
//
// Build a table and resolve requests against it:
//
//	table, err := router.NewTable(cfg.Routes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	route, err := table.Lookup(req.URL.Path)
//	if errors.Is(err, router.ErrNoRouteMatch) {
//	    // respond 404, no backend call
//	}
package router
