// Command devhub is a development server that provisions package backends on
// demand and proxies requests to them and to live dev servers.
//
// Usage:
//
//	# Start the server
//	devhub serve --config devhub.yaml
//
//	# Show which version a query resolves to
//	devhub packages resolve @scope/api "^1.2.0"
package main

func main() {
	Execute()
}
