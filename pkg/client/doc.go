// Package client is the chainchat Go SDK.
//
// It reads the chain a node exposes, posts messages on behalf of a session,
// and re-validates a node's chain locally so a reader does not have to trust
// the node's own verify endpoint.
//
// # Reading the chain
//
//	c := client.MustNew("http://localhost:8080")
//	info, err := c.Info(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(info.ChainLength, info.IsValid)
//
// # Posting a message
//
// Session tokens are issued by the auth service (or `chainchat token` in
// development):
//
//	c := client.MustNew(base, client.WithBearerToken(token))
//	res, err := c.PostMessage(ctx, "hello")
//
// # Independent verification
//
// Audit downloads the full chain and runs the same validation the server
// runs, reporting every violation. Difficulty is declared by each record, so
// pass the lowest difficulty you expect the node to have sealed at:
//
//	c := client.MustNew(base, client.WithMinDifficulty(2))
//	rep, err := c.Audit(ctx)
//	if !rep.Valid {
//	    for _, v := range rep.Violations {
//	        fmt.Println(v.Index, v.Kind, v.Detail)
//	    }
//	}
package client
