// Command lint walks this module's own packages and flags any lock taken out
// of the §5 hierarchy order (per-task, address-space, page-table-node,
// page-cache, frame-allocator). It is a build-time developer tool, the
// parallel of the teacher's chentry.go ELF-patching tool, built on
// golang.org/x/tools/go/packages and go/ast/astutil instead of debug/elf.
//
// It also accepts an optional ELF binary and demangles any C++-style symbol
// names in its symbol table before printing them, the way task/exec.go's
// loader would need to when diagnosing a binary whose symbols leaked in from
// a C++ toolchain.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"go/ast"
	"go/token"
	"log"
	"os"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/packages"
)

// lockRank orders the §5 lock hierarchy by the name of the type a guard
// belongs to, since every guard field in this module is conventionally
// named "mu" — the owning type is what actually identifies its rank.
var lockRank = []struct {
	name  string
	match string
}{
	{"per-task lock", "Task"},
	{"address-space lock", "AddrSpace"},
	{"page-table-node spin lock", "PageTable"},
	{"page-cache global lock", "Cache"},
	{"frame-allocator lock", "Buddy_t"},
}

func rankOf(typeName string) int {
	for i, r := range lockRank {
		if strings.Contains(typeName, r.match) {
			return i
		}
	}
	return -1
}

// violation describes one out-of-order lock acquisition found in a function.
type violation struct {
	pos     token.Position
	fn      string
	held    string
	heldAt  int
	acquire string
	rank    int
}

func main() {
	elfPath := flag.String("elf", "", "optional ELF binary whose symbol table should be demangled and printed")
	dir := flag.String("dir", ".", "module directory to lint")
	flag.Parse()

	if *elfPath != "" {
		if err := demangleSymbols(*elfPath); err != nil {
			log.Fatalf("lint: %v", err)
		}
	}

	violations, err := lintLockOrder(*dir)
	if err != nil {
		log.Fatalf("lint: %v", err)
	}
	if len(violations) == 0 {
		fmt.Println("lint: no lock-order violations found")
		return
	}
	for _, v := range violations {
		fmt.Printf("%s: in %s, %s acquired (rank %d) while %s (rank %d) was held\n",
			v.pos, v.fn, v.acquire, v.rank, v.held, v.heldAt)
	}
	os.Exit(1)
}

// demangleSymbols prints the ELF symbol table of path, demangling any
// Itanium C++ mangled names so a kernel developer loading a foreign-built
// binary through task/exec.go can read the diagnostic.
func demangleSymbols(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("read symbols: %w", err)
	}
	for _, s := range syms {
		name := s.Name
		if demangled, err := demangle.ToString(name, demangle.NoParams); err == nil {
			name = demangled
		}
		fmt.Printf("%#016x %s\n", s.Value, name)
	}
	return nil
}

// lintLockOrder loads every package under dir and, per function, walks
// Lock()/Unlock() call sequences on guard fields whose owning type
// identifies a §5 hierarchy lock, flagging any acquisition that skips
// backward in rank while an earlier lock in the same function is held.
func lintLockOrder(dir string) ([]violation, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedFiles,
		Dir: dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var out []violation
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				fd, ok := n.(*ast.FuncDecl)
				if !ok || fd.Body == nil {
					return true
				}
				out = append(out, checkFunc(pkg, fd)...)
				return true
			})
		}
	}
	return out, nil
}

func checkFunc(pkg *packages.Package, fd *ast.FuncDecl) []violation {
	type held struct {
		field string
		rank  int
	}
	var stack []held
	var out []violation

	astutil.Apply(fd.Body, func(c *astutil.Cursor) bool {
		call, ok := c.Node().(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		recv, ok := sel.X.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		recvType, ok := pkg.TypesInfo.Types[recv.X]
		if !ok || recvType.Type == nil {
			return true
		}
		typeName := recvType.Type.String()
		rank := rankOf(typeName)
		if rank < 0 {
			return true
		}
		fieldName := typeName + "." + recv.Sel.Name

		switch sel.Sel.Name {
		case "Lock":
			for _, h := range stack {
				if h.rank > rank {
					out = append(out, violation{
						pos:     pkg.Fset.Position(call.Pos()),
						fn:      fd.Name.Name,
						held:    h.field,
						heldAt:  h.rank,
						acquire: fieldName,
						rank:    rank,
					})
				}
			}
			stack = append(stack, held{field: fieldName, rank: rank})
		case "Unlock":
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].field == fieldName {
					stack = append(stack[:i], stack[i+1:]...)
					break
				}
			}
		}
		return true
	}, nil)

	return out
}
