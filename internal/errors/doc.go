// Package errors provides structured, actionable error messages for livepush.
//
// Every error carries a code (e.g., "L101") that maps to a short message,
// an optional explanation and a fix hint. Config errors may also carry the
// file location and surrounding lines, which Format renders with an arrow.
//
// # Error Categories
//
//   - config: configuration and bridge construction errors (L1xx)
//   - protocol: wire format errors raised while reading a client (L2xx)
//   - transport: listener and socket errors (L3xx)
//   - provider: source file lookups and watching (L4xx)
//   - cli: command usage and client commands such as fetch (L5xx)
//
// Print renders errors for a terminal, or as JSON lines after SetJSON(true).
// Run 'livepush explain' to list every code.
//
// # Usage
//
//	err := errors.New(errors.CodePortInvalid).
//	    WithLocation("livepush.json", 2, 11).
//	    WithSuggestion("Use a port between 1024 and 65535")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR L103: Invalid port
//	//
//	//   livepush.json:2:11
//	//
//	//       1 │ {
//	//   →   2 │   "port": -1
//	//         │           ^
//	//       3 │ }
//	//
//	//   Ports must be between 0 and 65535.
//	//
//	//   Hint: Use a port between 1024 and 65535
package errors
