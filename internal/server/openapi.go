package server

import "github.com/danielgtaylor/huma/v2"

const bearerScheme = "bearerAuth"

// requireBearer marks every registered operation, except the public ones, as needing a token.
func requireBearer(oas *huma.OpenAPI, public ...string) {
	open := make(map[string]bool, len(public))
	for _, id := range public {
		open[id] = true
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil || open[op.OperationID] {
				continue
			}
			op.Security = []map[string][]string{{bearerScheme: {}}}
		}
	}
}
