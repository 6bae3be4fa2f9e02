// Package releases reads the upstream release feed.
//
// A feed document lists the installable releases of one project, newest
// first:
//
//	{
//	  "project": "core",
//	  "releases": [
//	    {"version": "10.1.5", "security_release": true, "support_branch": "10.1."},
//	    {"version": "10.1.4", "security_release": false, "support_branch": "10.1."}
//	  ]
//	}
//
// HTTPFeed fetches {base}/{project}.json with retries and a TTL cache.
// FileFeed reads the same documents from a directory, which is what tests
// and air-gapped sites use.
package releases
