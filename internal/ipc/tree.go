package ipc

import "strings"

// WindowProperties carries the X11 class/instance pair reported for a
// container. Wayland-native clients report AppID on the node instead and
// leave these empty.
type WindowProperties struct {
	Class    string `json:"class"`
	Instance string `json:"instance"`
	Title    string `json:"title"`
}

// Node is one container in the window manager's layout tree.
type Node struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	Num              int               `json:"num"`
	Output           string            `json:"output"`
	AppID            string            `json:"app_id"`
	PID              int               `json:"pid"`
	Focused          bool              `json:"focused"`
	Visible          bool              `json:"visible"`
	Marks            []string          `json:"marks"`
	WindowProperties *WindowProperties `json:"window_properties"`
	Nodes            []Node            `json:"nodes"`
	FloatingNodes    []Node            `json:"floating_nodes"`
}

// IsWindow reports whether the node is a real client window rather than a
// split container, workspace, or output.
func (n *Node) IsWindow() bool {
	if n.Type != "con" && n.Type != "floating_con" {
		return false
	}
	return n.AppID != "" || n.WindowProperties != nil || n.PID != 0
}

// Class returns the best available class string for the node.
func (n *Node) Class() string {
	if n.WindowProperties != nil && n.WindowProperties.Class != "" {
		return n.WindowProperties.Class
	}
	return n.AppID
}

// Instance returns the X11 instance string if reported.
func (n *Node) Instance() string {
	if n.WindowProperties != nil {
		return n.WindowProperties.Instance
	}
	return ""
}

// Floating reports whether the node sits in a floating container.
func (n *Node) Floating() bool {
	return n.Type == "floating_con"
}

// TreeWindow pairs a window node with the workspace that contains it.
type TreeWindow struct {
	Node          Node
	WorkspaceNum  int
	WorkspaceName string
	Output        string
}

// Windows flattens the tree into the set of client windows with their
// containing workspace. Scratchpad windows appear under the internal
// __i3_scratch workspace with Num == -1.
func (n *Node) Windows() []TreeWindow {
	var out []TreeWindow
	n.walk("", 0, "", &out)
	return out
}

func (n *Node) walk(wsName string, wsNum int, output string, out *[]TreeWindow) {
	switch n.Type {
	case "output":
		output = n.Name
	case "workspace":
		wsName = n.Name
		wsNum = n.Num
	}
	if n.IsWindow() {
		*out = append(*out, TreeWindow{
			Node:          *n,
			WorkspaceNum:  wsNum,
			WorkspaceName: wsName,
			Output:        output,
		})
	}
	for i := range n.Nodes {
		n.Nodes[i].walk(wsName, wsNum, output, out)
	}
	for i := range n.FloatingNodes {
		n.FloatingNodes[i].walk(wsName, wsNum, output, out)
	}
}

// FindWindow locates a window by container id.
func (n *Node) FindWindow(conID int64) (TreeWindow, bool) {
	for _, win := range n.Windows() {
		if win.Node.ID == conID {
			return win, true
		}
	}
	return TreeWindow{}, false
}

// ScratchpadWorkspaceName is the internal workspace holding parked windows.
const ScratchpadWorkspaceName = "__i3_scratch"

// InScratchpad reports whether the window currently sits in the holding area.
func (w TreeWindow) InScratchpad() bool {
	return strings.EqualFold(w.WorkspaceName, ScratchpadWorkspaceName)
}
