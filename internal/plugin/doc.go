// Package plugin discovers, validates and loads tickler plugins and keeps
// them in a registry the host dispatches through.
//
// # Plugin Structure
//
// A plugin is a directory under one of the search roots:
//
//	~/.config/tickler/plugins/now-playing/
//	├── plugin.json      # Manifest (plugin.yaml also accepted)
//	├── package.json     # Package descriptor
//	└── init.lua         # Entry point
//
// The plugin's name is the directory's base name.
//
// # Manifest
//
//	{
//	  "name": "now-playing",
//	  "version": "1.0.0",
//	  "description": "Shows the current track",
//	  "main": "init.lua",
//	  "capabilities": ["middleware", "decorateMenu"],
//	  "engines": {"tickler": ">=0.1.0"},
//	  "dataDir": "userData",
//	  "config": {"refresh": 5}
//	}
//
// The manifest is checked against the embedded plugin schema before any
// code runs. dataDir names a system location and is resolved to a path
// during validation.
//
// # Entry Point
//
// The entry chunk returns a table of extension points. Chunks that return
// nothing may define the extension points as globals instead:
//
//	local M = {}
//
//	function M.middleware(store)
//	  return function(nextFn)
//	    return function(action)
//	      if action.type == "player/PLAY" then
//	        action.meta = {source = plugin.name}
//	      end
//	      return nextFn(action)
//	    end
//	  end
//	end
//
//	return M
//
// A module exporting none of the known extension points is rejected as not
// a plugin.
//
// # Lifecycle
//
// Load never fails synchronously. Each plugin loads on its own goroutine
// and moves from Loading to exactly one of Ready or Failed; Unload moves it
// to Unloaded. Done is closed once the load has settled either way, so a
// Barrier over a load cycle always resolves.
//
// # Registry
//
// The Registry keeps plugins in discovery order behind an atomically
// swapped snapshot. Scan discovers and loads a whole cycle, publishing
// every new entry at once and unloading the previous cycle's entries.
// Readers such as the middleware composer never take a lock.
//
// A plugin whose middleware fails at runtime is marked Failed and skipped
// from then on; the action continues down the chain without it.
package plugin
