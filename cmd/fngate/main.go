package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "deploy":
		deploy(os.Args[2:])
	case "invoke":
		invoke(os.Args[2:])
	case "rollback":
		rollback(os.Args[2:])
	case "list":
		list(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  fngate serve [--config <fngate.yaml>]")
	fmt.Fprintln(os.Stderr, "  fngate deploy --file <function.json> [--source <file>] [--server <url>] [--api-key <key>]")
	fmt.Fprintln(os.Stderr, "  fngate invoke --id <function> [--input <json>] [--version <semver>] [--server <url>] [--api-key <key>]")
	fmt.Fprintln(os.Stderr, "  fngate rollback --id <function> --version <semver> [--server <url>] [--api-key <key>]")
	fmt.Fprintln(os.Stderr, "  fngate list [--kind <kind>] [--tag <tag>] [--server <url>] [--api-key <key>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "FNGATE_API_KEY is used when --api-key is not given.")
}
