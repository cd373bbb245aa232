// Package buildinfo carries version metadata set with -ldflags, falling back
// to the VCS stamp the Go toolchain embeds.
package buildinfo

import "runtime/debug"

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

func Info() map[string]string {
    commit, builtAt := Commit, BuiltAt
    if bi, ok := debug.ReadBuildInfo(); ok {
        for _, s := range bi.Settings {
            switch s.Key {
            case "vcs.revision":
                if commit == "" {
                    commit = s.Value
                }
            case "vcs.time":
                if builtAt == "" {
                    builtAt = s.Value
                }
            }
        }
    }
    return map[string]string{
        "version": Version,
        "commit":  commit,
        "builtAt": builtAt,
    }
}

// String is the one-line form printed by the version command.
func String() string {
    i := Info()
    s := "ticketdesk " + i["version"]
    if i["commit"] != "" {
        s += " (" + i["commit"] + ")"
    }
    if i["builtAt"] != "" {
        s += " built " + i["builtAt"]
    }
    return s
}
