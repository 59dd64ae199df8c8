// tokenflow 命令是 TokenFlow 服务的入口，
// 提供 serve、version、health 子命令。
package main
