// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package harness runs multi-replica convergence scenarios against the
// crsqlite merge core.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: tie_break
//	description: "Equal versions are settled by comparing values"
//	schema:
//	  - CREATE TABLE t (id INTEGER PRIMARY KEY NOT NULL, name TEXT)
//	tables: [t]
//	replicas:
//	  - name: alice
//	    exec:
//	      - INSERT INTO t (id, name) VALUES (1, 'Alice')
//	  - name: bob
//	    exec:
//	      - INSERT INTO t (id, name) VALUES (1, 'Bob')
//	expect:
//	  t:
//	    - { id: 1, name: Bob }
//
// Every replica runs its local statements with change capture on. The
// harness then snapshots each replica's changes and delivers every peer's
// snapshot to every replica, either in replica order or in reverse. After
// delivery all replicas must hold identical rows, and those rows must match
// expect (rows ordered by primary key).
package harness
